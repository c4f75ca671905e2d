package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"relayguard/internal/guard"
	"relayguard/internal/ledger"
	"relayguard/internal/storage"
)

// ImportStakes loads external stake rows (identity,amount[,source]) from a
// CSV file into the store.
func (a *App) ImportStakes(ctx context.Context, opts ImportOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open stake file: %w", err)
	}
	defer file.Close()

	entries, err := readStakeRows(file, opts.Source)
	if err != nil {
		return err
	}

	var stakes storage.StakeStore
	if opts.DryRun {
		a.Logger.Warn().Int("rows", len(entries)).Msg("stake import dry-run: nothing will be written")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot import stakes")
		}
		if closeStore != nil {
			defer closeStore()
		}
		stakes = store
	}

	return a.importStakes(ctx, stakes, entries, opts.Workers)
}

func (a *App) importStakes(ctx context.Context, stakes storage.StakeStore, entries []storage.ExternalStake, workers int) error {
	if workers < 1 {
		workers = 1
	}

	var imported, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, entry := range entries {
		entry := entry
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if stakes != nil {
				if err := stakes.UpsertExternalStake(gctx, entry); err != nil {
					failed.Add(1)
					a.Logger.Error().Err(err).Str("identity", entry.Identity).Msg("stake import failed")
					return nil
				}
			}
			imported.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.Logger.Info().Int64("imported", imported.Load()).Int64("failed", failed.Load()).Msg("stake import complete")
	if failed.Load() > 0 {
		return fmt.Errorf("%d stake rows failed to import; see log", failed.Load())
	}
	return nil
}

// readStakeRows parses and validates every row before anything is written.
// A header row starting with "identity" is skipped.
func readStakeRows(r io.Reader, defaultSource string) ([]storage.ExternalStake, error) {
	if defaultSource == "" {
		defaultSource = "import"
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read stake file: %w", err)
	}

	entries := make([]storage.ExternalStake, 0, len(rows))
	for i, row := range rows {
		line := i + 1
		if i == 0 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "identity") {
			continue
		}
		if len(row) < 2 || len(row) > 3 {
			return nil, fmt.Errorf("line %d: want identity,amount[,source], got %d fields", line, len(row))
		}

		identity := guard.Normalize(row[0])
		if err := ledger.ValidateIdentity(identity); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid amount %q", line, row[1])
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("line %d: amount cannot be negative", line)
		}
		source := defaultSource
		if len(row) == 3 && strings.TrimSpace(row[2]) != "" {
			source = strings.TrimSpace(row[2])
		}

		entries = append(entries, storage.ExternalStake{Identity: identity, Source: source, Amount: amount})
	}
	return entries, nil
}
