package main

import (
	"fmt"

	"github.com/spf13/cobra"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.pulse/config.toml",
	Long:  "Initialize the Pulse CLI by storing your access token. The user id and username are read from the token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		claims, err := pulse.ParseTokenClaims(token)
		if err != nil {
			return err
		}

		c, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		c.Auth = ConfigAuth{Token: token, UserID: claims.UserID, Username: claims.Username}
		if c.Default.BaseURL == "" {
			c.Default.BaseURL = valueOrDefault(flagBaseURL, pulse.DefaultBaseURL)
		}
		if err := saveConfig(c); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token for %s saved to %s\n", valueOrDefault(claims.Username, claims.UserID), path)
		return nil
	},
}
