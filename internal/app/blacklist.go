package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"relayguard/internal/guard"
	"relayguard/internal/storage"
)

func (a *App) blacklistStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured; runtime blacklist unavailable")
	}
	return store, closeStore, nil
}

// BlacklistAdd persists a runtime blacklist entry.
func (a *App) BlacklistAdd(ctx context.Context, identity, reason string) error {
	identity = guard.Normalize(identity)
	if identity == "" {
		return errors.New("identity required")
	}
	store, closeStore, err := a.blacklistStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.AddBlacklist(ctx, identity, reason); err != nil {
		return err
	}
	a.Logger.Warn().Str("identity", identity).Str("reason", reason).Msg("identity blacklisted")
	return nil
}

// BlacklistRemove deletes a runtime blacklist entry. Entries from
// configuration are not affected.
func (a *App) BlacklistRemove(ctx context.Context, identity string) error {
	identity = guard.Normalize(identity)
	for _, static := range a.Config.Stake.Blacklist {
		if guard.Normalize(static) == identity {
			return fmt.Errorf("%s is blacklisted by configuration; edit stake.blacklist instead", identity)
		}
	}

	store, closeStore, err := a.blacklistStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.RemoveBlacklist(ctx, identity); err != nil {
		return err
	}
	a.Logger.Info().Str("identity", identity).Msg("identity removed from blacklist")
	return nil
}

// BlacklistList prints configuration and runtime entries.
func (a *App) BlacklistList(ctx context.Context, w io.Writer) error {
	var entries []storage.BlacklistEntry
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()
		entries, err = store.ListBlacklist(ctx)
		if err != nil {
			return err
		}
	}

	printBlacklist(w, a.Config.Stake.Blacklist, entries)
	return nil
}

func printBlacklist(w io.Writer, static []string, entries []storage.BlacklistEntry) {
	if len(static) == 0 && len(entries) == 0 {
		fmt.Fprintln(w, "blacklist is empty")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Identity\tSource\tAdded (UTC)\tReason")
	for _, id := range static {
		fmt.Fprintf(writer, "%s\tconfig\t-\t-\n", guard.Normalize(id))
	}
	for _, e := range entries {
		fmt.Fprintf(writer, "%s\tstore\t%s\t%s\n", e.Identity, e.CreatedAt.UTC().Format(time.RFC3339), sanitizeInline(e.Reason))
	}
	writer.Flush()
}
