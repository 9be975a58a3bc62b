// Package delta runs remote delta pulls through the durable pull queue.
package delta

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/store"
)

// ErrBusy is returned when another worker holds a fresh claim on the user's
// pull item.
var ErrBusy = errors.New("pull already running")

// Processor pulls one data domain for a user and returns the number of local
// records it changed.
type Processor interface {
	Process(ctx context.Context, user *store.RemoteUser, item *store.PullQueueItem) (int, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, user *store.RemoteUser, item *store.PullQueueItem) (int, error)

func (f ProcessorFunc) Process(ctx context.Context, user *store.RemoteUser, item *store.PullQueueItem) (int, error) {
	return f(ctx, user, item)
}

// Puller claims pull items and hands them to the processor of their domain.
type Puller struct {
	store      *store.Store
	processors map[string]Processor
	domains    []string
	staleAfter time.Duration
	now        func() time.Time
}

// NewPuller builds a Puller. Claims older than staleAfter are taken over.
func NewPuller(st *store.Store, staleAfter time.Duration) *Puller {
	return &Puller{
		store:      st,
		processors: make(map[string]Processor),
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for stale claim detection.
func (p *Puller) WithClock(now func() time.Time) *Puller {
	p.now = now
	return p
}

// Register adds the processor of a domain. Domains are pulled in
// registration order.
func (p *Puller) Register(domain string, proc Processor) {
	if _, ok := p.processors[domain]; !ok {
		p.domains = append(p.domains, domain)
	}
	p.processors[domain] = proc
}

// PullForUser pulls every registered domain of the user. The item is deleted
// once its domain was pulled and marked failed otherwise.
func (p *Puller) PullForUser(ctx context.Context, user *store.RemoteUser) (int, error) {
	total := 0
	var errs []error
	for _, domain := range p.domains {
		n, err := p.pull(ctx, user, domain)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", domain, err))
		}
	}
	return total, errors.Join(errs...)
}

func (p *Puller) pull(ctx context.Context, user *store.RemoteUser, domain string) (int, error) {
	item, err := p.store.PullQueue.GetOrCreate(ctx, user.ID, domain)
	if err != nil {
		return 0, fmt.Errorf("load pull item: %w", err)
	}
	claimed, err := p.store.PullQueue.Claim(ctx, item.ID, p.now().Add(-p.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("claim pull item %d: %w", item.ID, err)
	}
	if !claimed {
		log.Printf("[INFO] delta: user %d %s pull still running, skipped", user.ID, domain)
		metrics.IncPullRun("busy")
		return 0, ErrBusy
	}

	count, err := p.processors[domain].Process(ctx, user, item)
	if err != nil {
		if merr := p.store.PullQueue.MarkFailed(ctx, item.ID, err.Error()); merr != nil {
			log.Printf("[ERROR] delta: mark pull item %d failed: %v", item.ID, merr)
		}
		metrics.IncPullRun("failed")
		return count, err
	}
	if err := p.store.PullQueue.Delete(ctx, item.ID); err != nil {
		return count, fmt.Errorf("delete pull item %d: %w", item.ID, err)
	}
	metrics.IncPullRun("success")
	return count, nil
}

// PullAll pulls every user that started sync. Failures are isolated per user.
func (p *Puller) PullAll(ctx context.Context) (int, error) {
	users, err := p.store.Users.ListSyncStarted(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sync users: %w", err)
	}
	total := 0
	var errs []error
	for i := range users {
		user := &users[i]
		if user.AuthenticationFailure {
			continue
		}
		n, err := p.PullForUser(ctx, user)
		total += n
		if err != nil && !errors.Is(err, ErrBusy) {
			log.Printf("[ERROR] delta: pull for user %d: %v", user.ID, err)
			errs = append(errs, fmt.Errorf("user %d: %w", user.ID, err))
		}
	}
	return total, errors.Join(errs...)
}
