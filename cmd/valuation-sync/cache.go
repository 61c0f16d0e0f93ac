package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/cache"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/config"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/storage"
)

type caches struct {
	backend   storage.Storage
	sessions  *cache.Store[session.Session]
	existence *cache.Existence
}

func openCaches(cfg config.Config, cmd *cobra.Command) (*caches, error) {
	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbosity)
	backend, err := storage.BuildFromDSN(cfg.StorageDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	sessions, err := cache.NewStore[session.Session](backend, cache.Options{
		Prefix: cache.SessionPrefix,
		TTL:    cfg.SessionTTL,
		Name:   "session",
		Logger: logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	existence, err := cache.NewExistence(backend, cache.Options{TTL: cfg.ExistenceTTL, Logger: logger})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &caches{backend: backend, sessions: sessions, existence: existence}, nil
}

func newCacheCmd(root *rootOptions) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the local session cache",
	}
	cacheCmd.AddCommand(newCacheListCmd(root), newCacheClearCmd(root))
	return cacheCmd
}

type cacheRow struct {
	kind string
	info cache.Info
}

func newCacheListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			c, err := openCaches(cfg, cmd)
			if err != nil {
				return err
			}
			defer c.backend.Close()

			var rows []cacheRow
			sessions, err := c.sessions.List()
			if err != nil {
				return err
			}
			for _, info := range sessions {
				rows = append(rows, cacheRow{kind: "session", info: info})
			}
			existence, err := c.existence.List()
			if err != nil {
				return err
			}
			for _, info := range existence {
				rows = append(rows, cacheRow{kind: "existence", info: info})
			}
			renderCacheTable(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

func renderCacheTable(w io.Writer, rows []cacheRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].info.ID != rows[j].info.ID {
			return rows[i].info.ID < rows[j].info.ID
		}
		return rows[i].kind < rows[j].kind
	})
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Kind", "Record", "Cached At", "Expires At"})
	for _, row := range rows {
		t.AppendRow(table.Row{
			row.kind,
			row.info.ID,
			row.info.CachedAt.UTC().Format(time.RFC3339),
			row.info.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d entries", len(rows)), "", ""})
	t.Render()
}

func newCacheClearCmd(root *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch kind {
			case "session", "existence", "all":
			default:
				return fmt.Errorf("unknown cache kind %q (want session, existence or all)", kind)
			}
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			c, err := openCaches(cfg, cmd)
			if err != nil {
				return err
			}
			defer c.backend.Close()

			removed := 0
			if kind == "session" || kind == "all" {
				n, err := c.sessions.ClearAll()
				if err != nil {
					return err
				}
				removed += n
			}
			if kind == "existence" || kind == "all" {
				n, err := c.existence.ClearAll()
				if err != nil {
					return err
				}
				removed += n
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
			return err
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "all", "cache to clear: session, existence or all")
	return cmd
}
