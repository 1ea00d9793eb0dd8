package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset stored conversation threads",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsResetCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversation records",
		Run: func(cmd *cobra.Command, args []string) {
			store := openStore()
			records := store.List()
			if len(records) == 0 {
				fmt.Println("no conversation records")
				return
			}
			fmt.Printf("%-8s %-32s %-28s %s\n", "BACKEND", "PEER", "CONVERSATION", "LAST USED")
			for _, r := range records {
				lastUsed := "-"
				if !r.LastUsed.IsZero() {
					lastUsed = r.LastUsed.Format("2006-01-02 15:04")
				}
				fmt.Printf("%-8s %-32s %-28s %s\n", r.BackendID, r.Peer, r.ConversationID, lastUsed)
			}
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [peer]",
		Short: "Drop conversation records for a peer, or all of them",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openStore()
			var err error
			if len(args) == 1 {
				err = store.ClearPeer(args[0])
				fmt.Printf("conversations for %s cleared\n", args[0])
			} else {
				err = store.ClearAll()
				fmt.Println("all conversations cleared")
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "reset failed: %s\n", err)
				os.Exit(1)
			}
		},
	}
}

func openStore() *sessions.Store {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %s\n", err)
		os.Exit(1)
	}
	store, err := sessions.NewStore(config.ExpandHome(cfg.Sessions.Storage))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conversation store unreadable: %s\n", err)
		os.Exit(1)
	}
	return store
}
