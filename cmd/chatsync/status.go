package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration, check whether the token is expired, and fetch the room list as a live check.",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadDocument()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(doc.str("base_url"), "(not set)"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(doc.str("user_id"), "(from token)"))
		fmt.Printf("  Full name: %s\n", valueOrDefault(doc.str("full_name"), "(from token)"))

		token := doc.str("token")
		tokenStatus := "none"
		valid := false
		if token != "" {
			guard := chatsync.NewTokenGuard(chatsync.NewMemoryCredentials(token), 0)
			exp, err := guard.Expiry(token)
			switch {
			case err != nil:
				tokenStatus = fmt.Sprintf("INVALID (%v)", err)
			case exp.IsZero():
				tokenStatus = "present (no expiry)"
				valid = true
			case time.Now().Before(exp):
				tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				valid = true
			default:
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
			}
		}
		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Token:     %s\n", tokenStatus)

		if !valid || doc.str("base_url") == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, err := newAPIClient()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := client.ListRooms(ctx)
		if err != nil {
			fmt.Printf("  Error fetching rooms: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms {
			unread += r.UnreadCount
		}
		fmt.Printf("  Rooms:     %d\n", len(rooms))
		fmt.Printf("  Unread:    %d\n", unread)
		return nil
	},
}
