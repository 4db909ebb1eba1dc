package calsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cyp0633/meetsync/storage"
	"golang.org/x/time/rate"
)

// DefaultConcurrency bounds parallel pushes in a batch.
const DefaultConcurrency = 4

// BatchResult is the outcome of one organization pass.
type BatchResult struct {
	Succeeded int
	// Failed lists meeting ids in the order they were selected.
	Failed []string

	errs []error
}

// Err joins the per-meeting errors, or returns nil when none failed.
func (r BatchResult) Err() error {
	return errors.Join(r.errs...)
}

// BatchSyncer re-pushes every stale meeting of an organization.
type BatchSyncer struct {
	store       storage.MeetingStore
	pusher      *Pusher
	creds       CredentialSource
	containers  ContainerResolver
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// BatchOption configures a BatchSyncer.
type BatchOption func(*BatchSyncer)

// WithConcurrency sets how many pushes run at once. Values below 1 keep the
// default.
func WithConcurrency(n int) BatchOption {
	return func(b *BatchSyncer) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithRateLimiter throttles the start of each push.
func WithRateLimiter(l *rate.Limiter) BatchOption {
	return func(b *BatchSyncer) { b.limiter = l }
}

// NewBatchSyncer creates a BatchSyncer. A nil logger discards output.
func NewBatchSyncer(store storage.MeetingStore, pusher *Pusher, creds CredentialSource, containers ContainerResolver, logger *slog.Logger, opts ...BatchOption) *BatchSyncer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &BatchSyncer{
		store:       store,
		pusher:      pusher,
		creds:       creds,
		containers:  containers,
		concurrency: DefaultConcurrency,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SyncOrganization pushes every stale meeting of organizationID. One
// meeting's failure never stops the others; the returned error is only set
// when the pass could not run at all.
func (b *BatchSyncer) SyncOrganization(ctx context.Context, organizationID string) (BatchResult, error) {
	var result BatchResult

	meetings, err := b.store.ListStale(ctx, organizationID)
	if err != nil {
		return result, fmt.Errorf("failed to list stale meetings: %w", err)
	}
	if len(meetings) == 0 {
		return result, nil
	}

	creds, err := b.creds.Credentials(ctx, organizationID)
	if err != nil {
		return result, fmt.Errorf("failed to get credentials for %s: %w", organizationID, err)
	}
	container := b.containers.resolve(organizationID)

	errs := make([]error, len(meetings))
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup

	for i, m := range meetings {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				errs[i] = err
				continue
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			continue
		}

		wg.Add(1)
		go func(i int, m *storage.Meeting) {
			defer wg.Done()
			defer func() { <-sem }()
			_, errs[i] = b.pusher.Push(ctx, creds, m.ID, container)
		}(i, m)
	}
	wg.Wait()

	for i, m := range meetings {
		if errs[i] == nil {
			result.Succeeded++
			continue
		}
		result.Failed = append(result.Failed, m.ID)
		result.errs = append(result.errs, fmt.Errorf("meeting %s: %w", m.ID, errs[i]))
		b.logger.Warn("failed to push meeting",
			"organization_id", organizationID,
			"meeting_id", m.ID,
			"error", errs[i])
	}

	b.logger.Info("organization sync finished",
		"organization_id", organizationID,
		"succeeded", result.Succeeded,
		"failed", len(result.Failed))
	return result, nil
}
