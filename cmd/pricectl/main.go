// Command pricectl resolves product names and inspects prices against the
// configured store without running the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pricelens/backend/config"
	"github.com/pricelens/backend/internal/bootstrap"
	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(openApp).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// appOpener builds the application; tests swap it for an in-memory one
type appOpener func(ctx context.Context) (*bootstrap.App, error)

func openApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(logger.Config{Debug: cfg.Log.Debug, SentryDSN: cfg.Log.SentryDSN}); err != nil {
		return nil, err
	}
	return bootstrap.New(ctx, cfg)
}

func newRootCommand(open appOpener) *cobra.Command {
	root := &cobra.Command{
		Use:          "pricectl",
		Short:        "Resolve grocery product names and inspect chain prices",
		SilenceUsage: true,
	}

	root.AddCommand(newResolveCommand(open), newPricesCommand(open), newCacheCommand(open))
	return root
}

func newResolveCommand(open appOpener) *cobra.Command {
	var retry bool

	cmd := &cobra.Command{
		Use:   "resolve <product name>",
		Short: "Resolve a product name to its canonical key and average price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Resolver.Resolve(ctx, &domain.ResolveRequest{Query: args[0], Retry: retry})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "re-run the paid tiers even when a negative is cached")
	return cmd
}

func newPricesCommand(open appOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "prices <canonical key>",
		Short: "Show per-chain prices of a canonical product, cheapest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *bootstrap.App) error {
				comparison, err := app.Prices.Compare(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), comparison)
			})
		},
	}
}

func newCacheCommand(open appOpener) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the resolution cache",
	}
	cache.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired resolution cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *bootstrap.App) error {
				removed, err := app.Cache.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", removed)
				return nil
			})
		},
	})
	return cache
}

func withApp(cmd *cobra.Command, open appOpener, fn func(ctx context.Context, app *bootstrap.App) error) error {
	ctx := cmd.Context()
	app, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
		logger.Flush(2 * time.Second)
	}()
	return fn(ctx, app)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
