package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const eraseConcurrency = 4

var (
	eraseShop         string
	eraseCustomers    []string
	eraseSessionHashes []string
	eraseAll          bool
	forceErase        bool
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase stored runs and profiles for identities or a whole shop",
	Long: `Erase the runs, profiles and sizing rules held for the given customers,
guest sessions or, with --all, for the whole shop.

Use this to honour erasure requests that arrived outside the platform
privacy webhooks.`,
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().StringVar(&eraseShop, "shop", "", "Shop domain (required)")
	eraseCmd.Flags().StringSliceVar(&eraseCustomers, "customer", nil, "Customer id to erase (repeatable)")
	eraseCmd.Flags().StringSliceVar(&eraseSessionHashes, "session-hash", nil, "Guest session hash to erase (repeatable)")
	eraseCmd.Flags().BoolVar(&eraseAll, "all", false, "Erase every record held for the shop")
	eraseCmd.Flags().BoolVarP(&forceErase, "force", "f", false, "Skip confirmation prompt")

	_ = eraseCmd.MarkFlagRequired("shop")
}

// eraseTargets lists what an erase invocation removes.
type eraseTargets struct {
	Shop       string
	Identities []identity.Identity
	All        bool
}

func runErase(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	targets := eraseTargets{Shop: eraseShop, All: eraseAll}

	for _, id := range eraseCustomers {
		targets.Identities = append(targets.Identities, identity.Customer(id))
	}

	for _, h := range eraseSessionHashes {
		targets.Identities = append(targets.Identities, identity.Guest(h))
	}

	ctx := context.Background()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	total, err := performErase(ctx, st, targets, forceErase, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	if total != nil {
		log.WithField("runs", total.Runs).
			WithField("profiles", total.Profiles).
			WithField("sizing_rules", total.SizingRules).
			Info("Erasure completed")
	}

	return nil
}

// performErase prompts for confirmation unless forced and erases targets.
// It returns nil totals when the erase was cancelled.
func performErase(
	ctx context.Context,
	st store.Store,
	targets eraseTargets,
	force bool,
	in io.Reader,
	out io.Writer,
) (*store.Erasure, error) {
	if targets.Shop == "" {
		return nil, fmt.Errorf("shop is required")
	}

	if !targets.All && len(targets.Identities) == 0 {
		return nil, fmt.Errorf("nothing to erase (use --customer, --session-hash or --all)")
	}

	for _, id := range targets.Identities {
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("invalid identity: %w", err)
		}
	}

	if targets.All {
		fmt.Fprintf(out, "\nEvery record of shop %s will be erased.\n", targets.Shop)
	} else {
		fmt.Fprintf(out, "\nIdentities of shop %s to be erased (%d):\n", targets.Shop, len(targets.Identities))

		for _, id := range targets.Identities {
			fmt.Fprintf(out, "  - %s\n", id)
		}
	}

	fmt.Fprintln(out)

	// Prompt for confirmation if not forced.
	if !force {
		fmt.Fprint(out, "Are you sure you want to erase these records? [y/N] ")

		reader := bufio.NewReader(in)

		response, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Erase cancelled")

			return nil, nil
		}
	}

	if targets.All {
		total, err := st.EraseShop(ctx, targets.Shop)
		if err != nil {
			return nil, fmt.Errorf("erasing shop %s: %w", targets.Shop, err)
		}

		return total, nil
	}

	var (
		mu    sync.Mutex
		total store.Erasure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(eraseConcurrency)

	for _, id := range targets.Identities {
		g.Go(func() error {
			erased, err := st.EraseIdentity(gctx, targets.Shop, id)
			if err != nil {
				return fmt.Errorf("erasing %s: %w", id, err)
			}

			log.WithField("identity", id.String()).
				WithField("runs", erased.Runs).
				WithField("profiles", erased.Profiles).
				Info("Identity erased")

			mu.Lock()
			total.Runs += erased.Runs
			total.Profiles += erased.Profiles
			total.SizingRules += erased.SizingRules
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &total, nil
}
