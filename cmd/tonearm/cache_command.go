package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tonearm/internal/cache"
	"tonearm/internal/streamid"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the chunk cache",
	}

	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))
	cacheCmd.AddCommand(newCacheRemoveCommand(ctx))
	cacheCmd.AddCommand(newCacheVerifyCommand(ctx))

	return cacheCmd
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached streams, most recently used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(cmd, func(_ context.Context, manager *cache.Manager) error {
				entries, err := manager.Entries()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				printCacheEntries(cmd.OutOrStdout(), entries, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	return cmd
}

func printCacheEntries(out io.Writer, entries []cache.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "Cached streams: none")
		return
	}
	rows := make([][]string, 0, len(entries))
	for i, entry := range entries {
		size := "unknown"
		if entry.SizeKnown {
			size = humanize.IBytes(uint64(entry.Size))
		}
		used := "never"
		if !entry.LastAccess.IsZero() {
			used = humanize.RelTime(entry.LastAccess, now, "ago", "from now")
		}
		status := "ok"
		if entry.Unavailable {
			status = "cdn only"
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			entry.ID,
			strconv.Itoa(entry.Chunks),
			size,
			humanize.IBytes(uint64(entry.PayloadBytes)),
			used,
			status,
		})
	}
	fmt.Fprintln(out, renderTable(out,
		[]string{"#", "Stream", "Chunks", "Size", "On disk", "Last used", "Status"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
	))
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show chunk cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(cmd, func(runCtx context.Context, manager *cache.Manager) error {
				stats, err := manager.Stats(runCtx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				out := cmd.OutOrStdout()
				chunks := 0
				unavailable := 0
				for _, entry := range stats.Details {
					chunks += entry.Chunks
					if entry.Unavailable {
						unavailable++
					}
				}
				fmt.Fprintf(out, "Directory: %s\n", manager.Dir())
				fmt.Fprintf(out, "Entries:   %d (%d chunks, %d cdn only)\n", stats.Entries, chunks, unavailable)
				fmt.Fprintf(out, "Size:      %s\n", humanize.IBytes(uint64(stats.TotalBytes)))
				fmt.Fprintf(out, "Disk:      %s free of %s (%.1f%%)\n",
					humanize.IBytes(stats.FreeBytes),
					humanize.IBytes(stats.TotalFSBytes),
					stats.FreeRatio*100,
				)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print stats as JSON")
	return cmd
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop entries with missing payloads and entries unused past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			maxAge := cfg.Retention()
			if olderThanDays > 0 {
				maxAge = time.Duration(olderThanDays) * 24 * time.Hour
			}
			return ctx.withCache(cmd, func(runCtx context.Context, manager *cache.Manager) error {
				before, err := manager.Stats(runCtx)
				if err != nil {
					return err
				}
				report, err := manager.Sweep(runCtx, true, maxAge)
				if err != nil {
					return err
				}
				after, err := manager.Stats(runCtx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				removed := report.Missing + report.Expired
				if removed == 0 {
					fmt.Fprintln(out, "No cache entries pruned")
					return nil
				}
				fmt.Fprintf(out, "Pruned %d entries (%d missing, %d expired), freed %s (now %s)\n",
					removed,
					report.Missing,
					report.Expired,
					humanize.IBytes(uint64(max(before.TotalBytes-after.TotalBytes, 0))),
					humanize.IBytes(uint64(after.TotalBytes)),
				)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Expire entries unused for this many days (default: cache.retention_days)")
	return cmd
}

func newCacheRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <stream-id|#>...",
		Short: "Remove cached streams by id or list position",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(cmd, func(_ context.Context, manager *cache.Manager) error {
				ids, err := resolveCacheIDs(manager, args)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range ids {
					if err := manager.Remove(id); err != nil {
						if errors.Is(err, cache.ErrNotFound) {
							fmt.Fprintf(out, "%s: not cached\n", id)
							continue
						}
						return fmt.Errorf("remove %s: %w", id, err)
					}
					fmt.Fprintf(out, "Removed %s\n", id)
				}
				return nil
			})
		},
	}
}

func newCacheVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [stream-id|#]...",
		Short: "Check cached chunks against payload files and stored hashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(cmd, func(_ context.Context, manager *cache.Manager) error {
				var ids []string
				if len(args) == 0 {
					entries, err := manager.Entries()
					if err != nil {
						return err
					}
					for _, entry := range entries {
						ids = append(ids, entry.ID)
					}
				} else {
					resolved, err := resolveCacheIDs(manager, args)
					if err != nil {
						return err
					}
					ids = resolved
				}

				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					fmt.Fprintln(out, "Cached streams: none")
					return nil
				}
				lines := make([]checkLine, 0, len(ids))
				for _, id := range ids {
					lines = append(lines, verifyEntry(manager, id))
				}
				if problems := printChecks(out, lines); problems > 0 {
					return fmt.Errorf("%d of %d cache entries had problems; damaged chunks were dropped and will be refetched", problems, len(ids))
				}
				return nil
			})
		},
	}
}

func verifyEntry(manager *cache.Manager, raw string) checkLine {
	line := checkLine{subject: raw}
	id, err := streamid.Parse(raw)
	if err != nil {
		line.kind, line.detail = checkWarn, "not a stream id; remove it with `tonearm cache remove`"
		return line
	}
	handler, err := manager.Handler(id)
	if err != nil {
		line.kind, line.detail = checkFail, err.Error()
		return line
	}
	defer handler.Close()

	result, err := handler.Verify()
	switch {
	case errors.Is(err, cache.ErrNotFound):
		line.kind, line.detail = checkWarn, "not cached"
		return line
	case err != nil:
		line.kind, line.detail = checkFail, err.Error()
		return line
	}
	var issues []string
	if len(result.Truncated) > 0 {
		issues = append(issues, fmt.Sprintf("%d truncated chunks", len(result.Truncated)))
	}
	if result.Corrupted {
		issues = append(issues, "chunk 0 failed hash check")
	}
	if len(issues) > 0 {
		line.kind, line.detail = checkFail, strings.Join(issues, ", ")
		return line
	}
	line.kind, line.detail = checkOK, fmt.Sprintf("%d chunks", result.Chunks)
	if result.HashChecked {
		line.detail += ", hash ok"
	}
	return line
}

// resolveCacheIDs maps list positions ("3") and stream ids onto journal ids.
func resolveCacheIDs(manager *cache.Manager, args []string) ([]string, error) {
	var entries []cache.Entry
	ids := make([]string, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			return nil, errors.New("cache entry is required")
		}
		if position, err := strconv.Atoi(arg); err == nil && len(arg) < 8 {
			if entries == nil {
				entries, err = manager.Entries()
				if err != nil {
					return nil, err
				}
			}
			if position < 1 || position > len(entries) {
				return nil, fmt.Errorf("cache entry %d out of range (only %d entries exist)", position, len(entries))
			}
			ids = append(ids, entries[position-1].ID)
			continue
		}
		if id, err := streamid.Parse(arg); err == nil {
			ids = append(ids, id.String())
			continue
		}
		ids = append(ids, arg)
	}
	return ids, nil
}
