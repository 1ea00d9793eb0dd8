package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/internal/sessions"
	"github.com/nextlevelbuilder/wxbridge/internal/wechat"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("wxbridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env in effect)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// AI backend credentials
	fmt.Println()
	fmt.Println("  Backend:")
	fmt.Printf("    %-12s %s\n", "Platform:", cfg.Backend.Platform)
	checkMark("Dify key", cfg.Backend.Dify.APIKey != "")
	checkMark("Coze token", cfg.Backend.Coze.APIToken != "")

	// Audio tools
	fmt.Println()
	fmt.Println("  Audio:")
	ffmpeg := cfg.Audio.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if path, err := exec.LookPath(ffmpeg); err != nil {
		fmt.Printf("    %-12s NOT FOUND (voice replies disabled)\n", "ffmpeg:")
	} else {
		fmt.Printf("    %-12s %s\n", "ffmpeg:", path)
	}
	if path, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Printf("    %-12s NOT FOUND (voice replies disabled)\n", "ffprobe:")
	} else {
		fmt.Printf("    %-12s %s\n", "ffprobe:", path)
	}

	// Conversation store
	fmt.Println()
	fmt.Println("  Conversations:")
	storePath := config.ExpandHome(cfg.Sessions.Storage)
	if store, err := sessions.NewStore(storePath); err != nil {
		fmt.Printf("    %-12s UNREADABLE (%s)\n", "Store:", err)
	} else {
		fmt.Printf("    %-12s %s (%d records)\n", "Store:", storePath, len(store.List()))
	}

	// Messaging gateway
	fmt.Println()
	fmt.Println("  Messaging gateway:")
	if cfg.Wechat.BaseURL == "" {
		fmt.Printf("    %-12s not configured\n", "Status:")
		return
	}
	fmt.Printf("    %-12s %s\n", "URL:", cfg.Wechat.BaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wx := wechat.NewClient(cfg.Wechat.BaseURL, cfg.Wechat.Token, cfg.Wechat.AppID)
	if err := wx.EnsureToken(ctx); err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
		return
	}
	online, err := wx.CheckOnline(ctx)
	switch {
	case err != nil:
		fmt.Printf("    %-12s TOKEN OK, online check failed (%s)\n", "Status:", err)
	case online:
		fmt.Printf("    %-12s online\n", "Status:")
	default:
		fmt.Printf("    %-12s OFFLINE (scan QR in the gateway console)\n", "Status:")
	}
}

func checkMark(label string, ok bool) {
	state := "missing"
	if ok {
		state = "configured"
	}
	fmt.Printf("    %-12s %s\n", label+":", state)
}
