package main

import (
	"fmt"

	"canvas-sync/internal/config"
	"canvas-sync/pkg/jwt"

	"github.com/spf13/cobra"
)

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.JWT.Expiration
	}

	token, err := jwt.GenerateToken(cfg.Sync.ClientID, ttl, cfg.JWT.Secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
