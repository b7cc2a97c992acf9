package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/routine-engine/record"
)

func newTransferCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer",
		Short: "Move stale routine history from the hot to the archive partition",
		Long: `Copy every routine whose last session is older than the freshness
threshold into the archive partition, then delete it from the hot partition.
Routines still in progress are left in place. Safe to re-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(opts)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			report, err := rt.engine.TransferToArchive(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) {
				writeKindCounts(w, "copied", report.Copied)
				writeKindCounts(w, "purged", report.Purged)
				fmt.Fprintf(w, "skipped: %d fresh, %d invalid\n", report.SkippedFresh, report.SkippedInvalid)
			})
		},
	}
}

func newCleanCommand(opts *rootOptions) *cobra.Command {
	var keepSince string

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Prune history older than the retention window",
		Long: `Delete exercise completions and sessions older than the cutoff, then any
routine or exercise history left without children, in every partition.
Without --keep-since the configured retention is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(opts)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			cutoff := rt.engine.Now().Add(-rt.cfg.Engine.Retention)
			if keepSince != "" {
				cutoff, err = time.Parse(time.RFC3339, keepSince)
				if err != nil {
					return fmt.Errorf("invalid --keep-since %q: %w", keepSince, err)
				}
			}

			report, err := rt.engine.CleanLogRecords(cmd.Context(), cutoff.UTC())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) {
				fmt.Fprintf(w, "keep since: %s\n", report.KeepSince.Format(time.RFC3339))
				writeKindCounts(w, "deleted", report.Deleted)
			})
		},
	}

	cmd.Flags().StringVar(&keepSince, "keep-since", "", "RFC3339 cutoff (default: now - retention)")
	return cmd
}

func newDedupeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Merge every duplicate logical record in every partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(opts)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			merged, err := rt.engine.DeduplicateAll(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts.Format, merged, func(w io.Writer) {
				writeKindCounts(w, "merged", merged)
			})
		},
	}
}

// output writes v as JSON, or calls text for the human format.
func output(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func writeKindCounts(w io.Writer, label string, counts map[record.Kind]int) {
	kinds := make([]record.Kind, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	fmt.Fprintf(w, "%s:\n", label)
	for _, kind := range kinds {
		fmt.Fprintf(w, "  %-14s %d\n", kind, counts[kind])
	}
}
