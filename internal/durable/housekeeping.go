package durable

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time after now. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Purger is the part of the engine housekeeping needs.
type Purger interface {
	Purge(ctx context.Context, before time.Time, statuses ...Status) (int64, error)
}

// HousekeepingOpts configures RunHousekeeping.
type HousekeepingOpts struct {
	Purger    Purger
	Cron      string        // defaults to "0 12 * * *"
	Retention time.Duration // defaults to 24h
	Statuses  []Status      // defaults to Completed
	Out       io.Writer     // defaults to os.Stdout
}

// RunHousekeeping purges old instance history on the cron schedule until
// ctx is cancelled.
func RunHousekeeping(ctx context.Context, opts HousekeepingOpts) error {
	if opts.Purger == nil {
		return fmt.Errorf("durable: housekeeping: purger is required")
	}
	if opts.Cron == "" {
		opts.Cron = "0 12 * * *"
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if len(opts.Statuses) == 0 {
		opts.Statuses = []Status{StatusCompleted}
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if _, err := cronParser.Parse(opts.Cron); err != nil {
		return fmt.Errorf("durable: housekeeping: invalid cron %q: %w", opts.Cron, err)
	}

	for {
		timer := time.NewTimer(nextCronDuration(opts.Cron, time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			PurgeHistory(ctx, opts)
		}
	}
}

// PurgeHistory runs one purge pass with the retention and statuses in opts.
func PurgeHistory(ctx context.Context, opts HousekeepingOpts) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	cutoff := time.Now().Add(-opts.Retention)
	n, err := opts.Purger.Purge(ctx, cutoff, opts.Statuses...)
	if err != nil {
		log.Printf("durable: housekeeping: %v", err)
		return
	}
	fmt.Fprintf(out, "durable: purged %d instance(s) updated before %s\n", n, cutoff.Format(time.RFC3339))
}
