package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
)

func reconcileFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "product",
			Usage:   "Limit the run to one product id",
			Aliases: []string{"p"},
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Store to reconcile: primary or fallback (default: primary when reachable)",
			Aliases: []string{"s"},
		},
	}
}

// reconcileAction runs a check or repair from the command line and prints the
// JSON report the maintenance endpoints would return.
func reconcileAction(fix bool) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		name := c.String("store")
		if name == "" {
			name = a.defaultStore
		}
		svc, ok := a.reconcilers[name]
		if !ok {
			return fmt.Errorf("unknown store %q", name)
		}

		var report any
		if raw := c.String("product"); raw != "" {
			productID, err := domain.NormalizeProductID(raw)
			if err != nil {
				return err
			}
			if fix {
				report, err = svc.Fix(ctx, productID)
			} else {
				report, err = svc.Check(ctx, productID)
			}
			if err != nil {
				return err
			}
		} else {
			if fix {
				report, err = svc.FixAll(ctx)
			} else {
				report, err = svc.CheckAll(ctx)
			}
			if err != nil {
				return err
			}
		}

		logger.Info("reconcile finished", zap.String("store", svc.Store()), zap.Bool("fix", fix))
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
}
