package durable

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNextCronDuration(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 30, 0, 0, time.Local)
	tests := []struct {
		name string
		expr string
		want time.Duration
	}{
		{"noon same day", "0 12 * * *", 2*time.Hour + 30*time.Minute},
		{"every minute", "* * * * *", 30 * time.Second},
		{"hourly", "0 * * * *", 30 * time.Minute},
		{"invalid", "not a cron", 0},
		{"six fields rejected", "0 0 12 * * *", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := base
			if tt.name == "every minute" {
				at = base.Add(30 * time.Second)
			}
			if got := nextCronDuration(tt.expr, at); got != tt.want {
				t.Errorf("nextCronDuration(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

type fakePurger struct {
	mu       sync.Mutex
	calls    int
	before   time.Time
	statuses []Status
	err      error
}

func (f *fakePurger) Purge(ctx context.Context, before time.Time, statuses ...Status) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.before = before
	f.statuses = statuses
	return 2, f.err
}

func TestRunHousekeeping_RequiresPurger(t *testing.T) {
	if err := RunHousekeeping(context.Background(), HousekeepingOpts{}); err == nil {
		t.Fatal("expected error for missing purger")
	}
}

func TestRunHousekeeping_InvalidCron(t *testing.T) {
	err := RunHousekeeping(context.Background(), HousekeepingOpts{Purger: &fakePurger{}, Cron: "every day"})
	if err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if !strings.Contains(err.Error(), "invalid cron") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestRunHousekeeping_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunHousekeeping(ctx, HousekeepingOpts{Purger: &fakePurger{}, Out: &bytes.Buffer{}})
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunHousekeeping = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunHousekeeping did not stop")
	}
}

func TestPurgeHistory_UsesRetention(t *testing.T) {
	p := &fakePurger{}
	var out bytes.Buffer
	PurgeHistory(context.Background(), HousekeepingOpts{
		Purger:    p,
		Retention: 24 * time.Hour,
		Statuses:  []Status{StatusCompleted},
		Out:       &out,
	})
	if p.calls != 1 {
		t.Fatalf("purge calls = %d, want 1", p.calls)
	}
	if d := time.Since(p.before); d < 24*time.Hour || d > 24*time.Hour+time.Second {
		t.Errorf("cutoff is %v before now, want ~24h", d)
	}
	if len(p.statuses) != 1 || p.statuses[0] != StatusCompleted {
		t.Errorf("statuses = %v", p.statuses)
	}
	if !strings.Contains(out.String(), "durable: purged 2 instance(s)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPurgeHistory_ErrorIsLogged(t *testing.T) {
	p := &fakePurger{err: errors.New("db gone")}
	var out bytes.Buffer
	PurgeHistory(context.Background(), HousekeepingOpts{Purger: p, Retention: time.Hour, Out: &out})
	if out.Len() != 0 {
		t.Errorf("output = %q, want nothing on error", out.String())
	}
}

func TestNextCronDuration_AfterFireTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	if d := nextCronDuration("0 12 * * *", now); d != 24*time.Hour {
		t.Fatalf("expected next day, got %v", d)
	}
}
