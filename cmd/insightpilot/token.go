package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/insightpilot/insightpilot/internal/config"
	"github.com/insightpilot/insightpilot/internal/gateway"
)

// buildTokenCmd issues a client bearer token for a user. Intended for
// local development and smoke tests against a running server.
func buildTokenCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a client bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			auth := gateway.NewAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
			token, err := auth.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("INSIGHTPILOT_CONFIG"),
		"Path to YAML configuration file")
	return cmd
}
