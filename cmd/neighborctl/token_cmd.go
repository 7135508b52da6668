package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neighborly/api/internal/auth"
	"neighborly/api/internal/config"
)

// newTokenCmd mints a development token with the server's signing secret.
func newTokenCmd() *cobra.Command {
	var (
		userID string
		name   string
		role   string
		secret string
		ttl    time.Duration
	)
	if cfg, err := config.Load(); err == nil {
		secret, ttl = cfg.JWTSecret, cfg.AccessTTL
	}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			if strings.TrimSpace(secret) == "" {
				return errors.New("--secret is required")
			}
			if ttl <= 0 {
				ttl = 15 * time.Minute
			}
			if name == "" {
				name = userID
			}
			token, claims, err := auth.NewVerifier([]byte(secret), ttl, nil).Issue(userID, name, role)
			if err != nil {
				return err
			}
			return writeJSONLine(map[string]any{
				"token":     token,
				"userId":    claims.UserID(),
				"expiresAt": claims.ExpiresAtTime().UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject of the token")
	cmd.Flags().StringVar(&name, "name", "", "Display name, defaults to the user id")
	cmd.Flags().StringVar(&role, "role", "user", "user or admin")
	cmd.Flags().StringVar(&secret, "secret", secret, "Signing secret (NEIGHBORLY_JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", ttl, "Token lifetime")
	return cmd
}
