package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"portal-billing/config"
	"portal-billing/internal/auth"
	"portal-billing/internal/gateway"
	"portal-billing/internal/service"
	"portal-billing/internal/store"
	"portal-billing/internal/util"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operator tooling for portal billing",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.InitLogger("development", "warn")
		},
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncProductsCmd())
	rootCmd.AddCommand(setStripeKeyCmd())
	rootCmd.AddCommand(issueTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schema applied")
			return nil
		},
	}
}

func syncProductsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-products",
		Short: "Create Stripe products and prices for catalog products missing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			credentials := service.NewCredentialProvider(db, cfg.Billing.CredentialCacheTTL)
			sync := service.NewProductSyncService(db, gateway.NewStripeGateway(credentials), cfg.Stripe.Currency)

			result, err := sync.SyncProducts(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync products: %w", err)
			}
			for _, id := range result.Synced {
				fmt.Printf("synced  %s\n", id)
			}
			for id, reason := range result.Failed {
				fmt.Printf("failed  %s: %s\n", id, reason)
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d product(s) failed to sync", len(result.Failed))
			}
			return nil
		},
	}
}

func setStripeKeyCmd() *cobra.Command {
	var updatedBy string

	cmd := &cobra.Command{
		Use:   "set-stripe-key",
		Short: "Store the Stripe secret key, read from stdin",
		Long: `Store the Stripe secret key in app settings.

The key is read from stdin so it does not end up in shell history:
  billingctl set-stripe-key < key.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && strings.TrimSpace(key) == "" {
				return fmt.Errorf("read key from stdin: %w", err)
			}

			_, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			credentials := service.NewCredentialProvider(db, 0)
			if err := credentials.SetSecretKey(ctx, key, updatedBy); err != nil {
				return err
			}
			fmt.Println("Stripe secret key updated")
			return nil
		},
	}

	cmd.Flags().StringVar(&updatedBy, "by", "billingctl", "operator recorded as the updater")
	return cmd
}

func issueTokenCmd() *cobra.Command {
	var (
		email string
		role  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue-token [user-id]",
		Short: "Sign a portal bearer token for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.Issue(cfg.Auth.JWTSecret, cfg.Auth.Issuer, args[0], email, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&role, "role", "user", "role claim (user, admin, super_admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
