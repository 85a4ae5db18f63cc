package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API origin, e.g. https://pm.example.com")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your bearer token (and optionally the API origin) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		doc, err := loadDocument()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		guard := chatsync.NewTokenGuard(chatsync.NewMemoryCredentials(token), 0)
		if !guard.IsValid(token) {
			return fmt.Errorf("token is malformed or already expired")
		}
		doc["token"] = token
		if initBaseURL != "" {
			doc["base_url"] = initBaseURL
		}
		if userID, fullName, err := guard.Identity(token); err == nil {
			doc["user_id"] = userID
			if fullName != "" {
				doc["full_name"] = fullName
			}
		}

		if err := saveDocument(doc); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if doc.str("base_url") == "" {
			fmt.Println("No base URL set yet. Run 'chatsync config set base_url <url>'.")
		}
		return nil
	},
}
