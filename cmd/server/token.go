package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/guffghar-rt/internal/app"
	"github.com/vovakirdan/guffghar-rt/internal/auth"
	"github.com/vovakirdan/guffghar-rt/internal/store"
)

var tokenTTL time.Duration

// tokenCmd mints a bearer token for local testing.
var tokenCmd = &cobra.Command{
	Use:   "token <username|user-id>",
	Short: "Print a bearer token for an existing user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		st, err := app.OpenStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		user, err := st.GetUserByUsername(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			user, err = st.GetUserByID(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("find user %q: %w", args[0], err)
		}

		ttl := cfg.JWT.TTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		token, err := auth.GenerateToken(&auth.JWTConfig{
			Secret:   []byte(cfg.JWT.Secret),
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			TTL:      ttl,
		}, user.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to jwt.ttl)")
}
