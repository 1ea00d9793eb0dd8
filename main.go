package main

import "github.com/nextlevelbuilder/wxbridge/cmd"

func main() {
	cmd.Execute()
}
