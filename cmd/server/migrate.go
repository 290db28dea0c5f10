package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/guffghar-rt/internal/app"
)

// migrateCmd applies the schema of the configured database.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		st, err := app.OpenStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Str("driver", cfg.Database.Driver).Msg("schema applied")
		return nil
	},
}

// seedCmd inserts demo users and chats.
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create demo users and chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		st, err := app.OpenStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		res, err := app.Seed(ctx, st)
		if err != nil {
			return err
		}

		for _, u := range res.Users {
			logger.Info().Str("user_id", u.ID).Str("username", u.Username).Msg("seeded user")
		}
		logger.Info().
			Str("direct_chat_id", res.DirectChatID).
			Str("group_chat_id", res.GroupChatID).
			Str("password", app.SeedPassword).
			Msg("seed complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}
