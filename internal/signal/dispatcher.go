package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Entry is an outbox row awaiting delivery.
type Entry struct {
	Seq   uint64
	Event Event
}

// Outbox is the durable queue a repository writes events to in the same
// transaction as the record mutation.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]Entry, error)
	MarkDelivered(ctx context.Context, seq uint64) error
	MarkDead(ctx context.Context, seq uint64, reason string) error
}

type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type DispatcherConfig struct {
	Retry        RetryPolicy
	PollInterval time.Duration
	BatchSize    int
	DLQPath      string
}

// Dispatcher drains an Outbox into a Publisher. Entries that exhaust their
// retries are written to the dead-letter directory and marked dead.
type Dispatcher struct {
	outbox Outbox
	pub    Publisher
	cfg    DispatcherConfig
	logger *slog.Logger

	// OnResult observes each delivery outcome: delivered, retry, dead.
	OnResult func(result string)
	// OnDLQDepth observes the dead-letter directory size after each write.
	OnDLQDepth func(depth int)
}

func NewDispatcher(outbox Outbox, pub Publisher, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{outbox: outbox, pub: pub, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce delivers one batch and returns how many entries were delivered.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	entries, err := d.outbox.Pending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending: %w", err)
	}

	delivered := 0
	for _, entry := range entries {
		if err := d.publishWithRetry(ctx, entry.Event); err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			d.logger.Error("signal delivery exhausted", "signal_id", entry.Event.ID(), "error", err)
			d.writeDLQ(entry, err)
			if markErr := d.outbox.MarkDead(ctx, entry.Seq, err.Error()); markErr != nil {
				return delivered, fmt.Errorf("mark dead %d: %w", entry.Seq, markErr)
			}
			d.observe("dead")
			continue
		}
		if err := d.outbox.MarkDelivered(ctx, entry.Seq); err != nil {
			return delivered, fmt.Errorf("mark delivered %d: %w", entry.Seq, err)
		}
		d.observe("delivered")
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, evt Event) error {
	attempts := d.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := d.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = d.pub.Publish(ctx, evt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) || i == attempts {
			return lastErr
		}

		d.observe("retry")
		sleep := backoff
		if d.cfg.Retry.MaxBackoff > 0 && sleep > d.cfg.Retry.MaxBackoff {
			sleep = d.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		if d.cfg.Retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(d.cfg.Retry.BackoffMultiplier)
		}
	}
	return lastErr
}

func (d *Dispatcher) observe(result string) {
	if d.OnResult != nil {
		d.OnResult(result)
	}
}

func (d *Dispatcher) writeDLQ(entry Entry, cause error) {
	if d.cfg.DLQPath == "" {
		return
	}

	record := struct {
		Timestamp time.Time `json:"timestamp"`
		Seq       uint64    `json:"seq"`
		Event     Event     `json:"event"`
		Error     string    `json:"error"`
	}{
		Timestamp: time.Now().UTC(),
		Seq:       entry.Seq,
		Event:     entry.Event,
		Error:     cause.Error(),
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		d.logger.Error("dlq marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(d.cfg.DLQPath, 0o755); err != nil {
		d.logger.Error("dlq mkdir failed", "error", err)
		return
	}

	filename := fmt.Sprintf("%d-%s-%d.json", time.Now().UnixNano(), entry.Event.Kind, entry.Event.RecordID)
	if err := os.WriteFile(filepath.Join(d.cfg.DLQPath, filename), data, 0o600); err != nil {
		d.logger.Error("dlq write failed", "error", err)
		return
	}
	if d.OnDLQDepth != nil {
		d.OnDLQDepth(d.DLQDepth())
	}
}

// DLQDepth counts dead-letter files.
func (d *Dispatcher) DLQDepth() int {
	if d.cfg.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(d.cfg.DLQPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("dlq read failed", "error", err)
		}
		return 0
	}
	return len(entries)
}
