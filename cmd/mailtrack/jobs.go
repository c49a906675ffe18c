package main

import (
	"fmt"
	"io"
	"time"

	"github.com/migadu/mailtrack/helpers"
	"github.com/migadu/mailtrack/server/archiver"
	"github.com/spf13/cobra"
)

func newReconcileCommand(app *application) *cobra.Command {
	var lookback string
	cmd := &cobra.Command{
		Use:   "reconcile [email-id...]",
		Short: "Recompute email summary statuses",
		Long: "Without arguments, every email created in the lookback window before today is reconciled.\n" +
			"With arguments, only the named emails are.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := app.openDatabase(ctx); err != nil {
				return err
			}
			defer app.close()

			rec := app.newReconciler()
			if len(args) > 0 {
				stats, err := rec.ReconcileEmails(ctx, args)
				fmt.Fprintf(cmd.OutOrStdout(), "examined=%d updated=%d failed=%d\n", stats.Examined, stats.Updated, stats.Failed)
				if err != nil {
					return err
				}
				if stats.Failed > 0 {
					return fmt.Errorf("%d of %d emails failed", stats.Failed, stats.Examined)
				}
				return nil
			}

			window, err := app.cfg.Reconcile.GetLookback()
			if err != nil {
				return err
			}
			if lookback != "" {
				if window, err = helpers.ParseDuration(lookback); err != nil {
					return fmt.Errorf("invalid --lookback: %w", err)
				}
			}
			stats, err := rec.Sweep(ctx, window)
			fmt.Fprintf(cmd.OutOrStdout(), "examined=%d updated=%d failed=%d\n", stats.Examined, stats.Updated, stats.Failed)
			return err
		},
	}
	cmd.Flags().StringVar(&lookback, "lookback", "", "Sweep window before today, e.g. 7d (default from config)")
	return cmd
}

// dateRange holds the --from/--to flags shared by the range commands.
type dateRange struct {
	from string
	to   string
}

func (r *dateRange) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.from, "from", "", "First day, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&r.to, "to", "", "Last day, YYYY-MM-DD (defaults to --from)")
	_ = cmd.MarkFlagRequired("from")
}

func (r *dateRange) parse(loc *time.Location) (time.Time, time.Time, error) {
	from, err := helpers.ParseDate(r.from, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	to := from
	if r.to != "" {
		if to, err = helpers.ParseDate(r.to, loc); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", r.to, r.from)
	}
	return from, to, nil
}

func newArchiveCommand(app *application) *cobra.Command {
	var dates dateRange
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive each day of a date range and remove it from the live store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := app.openDatabase(ctx); err != nil {
				return err
			}
			defer app.close()

			from, to, err := dates.parse(app.loc)
			if err != nil {
				return err
			}
			arch, err := app.newArchiver()
			if err != nil {
				return err
			}
			return reportDateResults(cmd.OutOrStdout(), arch.ArchiveRange(ctx, from, to))
		},
	}
	dates.register(cmd)
	return cmd
}

func newCopyCommand(app *application) *cobra.Command {
	var dates dateRange
	cmd := &cobra.Command{
		Use:   "copy-to-s3",
		Short: "Mirror archived days to the configured S3 bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := app.openDatabase(ctx); err != nil {
				return err
			}
			defer app.close()

			from, to, err := dates.parse(app.loc)
			if err != nil {
				return err
			}
			arch, err := app.newArchiver()
			if err != nil {
				return err
			}
			return reportDateResults(cmd.OutOrStdout(), arch.CopyRangeToS3(ctx, from, to))
		},
	}
	dates.register(cmd)
	return cmd
}

func newExpireDenyListCommand(app *application) *cobra.Command {
	var olderThan string
	cmd := &cobra.Command{
		Use:   "expire-denylist",
		Short: "Remove deny-list entries not refreshed within the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := app.openDatabase(ctx); err != nil {
				return err
			}
			defer app.close()

			retention, err := app.cfg.DenyList.GetRetention()
			if err != nil {
				return err
			}
			if olderThan != "" {
				if retention, err = helpers.ParseDuration(olderThan); err != nil {
					return fmt.Errorf("invalid --older-than: %w", err)
				}
			}
			n, err := app.newDenyList().Expire(ctx, retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "", "Retention window, e.g. 7d (default from config)")
	return cmd
}

// reportDateResults prints one line per date and fails when any date did.
func reportDateResults(w io.Writer, results []archiver.DateResult) error {
	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			fmt.Fprintf(w, "%s error: %v\n", r.Date, r.Err)
		case r.Result != nil && r.Result.NoOp:
			fmt.Fprintf(w, "%s ok noop\n", r.Date)
		case r.Result != nil:
			fmt.Fprintf(w, "%s ok emails=%d deliveries=%d deleted=%d size=%d checksum=%s\n",
				r.Date, r.Result.Emails, r.Result.Deliveries, r.Result.Deleted, r.Result.Size, r.Result.Checksum)
		case r.Copy != nil && r.Copy.NoOp:
			fmt.Fprintf(w, "%s ok noop s3://%s/%s\n", r.Date, r.Copy.Bucket, r.Copy.Key)
		case r.Copy != nil:
			fmt.Fprintf(w, "%s ok s3://%s/%s checksum=%s\n", r.Date, r.Copy.Bucket, r.Copy.Key, r.Copy.Checksum)
		default:
			fmt.Fprintf(w, "%s ok\n", r.Date)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d dates failed", failed, len(results))
	}
	return nil
}
