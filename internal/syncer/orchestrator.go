// Package syncer runs a full pull, reconcile and push cycle for one user.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gitea.jw6.us/james/calsync/internal/calendar"
	"gitea.jw6.us/james/calsync/internal/changes"
	"gitea.jw6.us/james/calsync/internal/delta"
	"gitea.jw6.us/james/calsync/internal/push"
	"gitea.jw6.us/james/calsync/internal/store"
)

// ErrUserNotFound is returned when the remote user does not exist.
var ErrUserNotFound = errors.New("remote user not found")

// Status classifies the outcome of a sync request.
type Status string

const (
	StatusNotAllowed     Status = "not_allowed"
	StatusNoUser         Status = "no_user"
	StatusSyncNotStarted Status = "sync_not_started"
	StatusAuthFailure    Status = "auth_failure"
	StatusNoCalendar     Status = "no_calendar"
	StatusFailed         Status = "failed"
	StatusSuccess        Status = "success"
)

// Result is the outcome of SyncNow.
type Result struct {
	Status  Status `json:"status"`
	Pulled  int    `json:"pulled"`
	Changed int    `json:"changed"`
	Pushed  int    `json:"pushed"`
	// UpdateCount is the number of changes pulled plus updates pushed.
	UpdateCount int    `json:"update_count"`
	Error       string `json:"error,omitempty"`
}

// Orchestrator ties the pull queue, the change tracker and the push queue
// together.
type Orchestrator struct {
	store    *store.Store
	puller   *delta.Puller
	tracker  *changes.Tracker
	queue    *push.Queue
	calendar *calendar.Service
	enabled  bool
	now      func() time.Time
}

// New builds an Orchestrator. When enabled is false every sync request is
// answered with StatusNotAllowed.
func New(st *store.Store, puller *delta.Puller, tracker *changes.Tracker, queue *push.Queue, cal *calendar.Service, enabled bool) *Orchestrator {
	return &Orchestrator{
		store:    st,
		puller:   puller,
		tracker:  tracker,
		queue:    queue,
		calendar: cal,
		enabled:  enabled,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for the last sync summary.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// SyncNow pulls remote deltas, reconciles pending local changes and pushes
// the queued mutations of the user, in that order. A failing stage does not
// stop the later ones: the result is still StatusSuccess with partial counts
// and the joined stage errors in Result.Error, unless the calendar is gone or
// the credentials were rejected.
func (o *Orchestrator) SyncNow(ctx context.Context, userID int64) (Result, error) {
	if !o.enabled {
		return Result{Status: StatusNotAllowed}, nil
	}
	user, err := o.store.Users.GetByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Status: StatusNoUser}, nil
	}
	if err != nil {
		return Result{Status: StatusFailed}, fmt.Errorf("load user %d: %w", userID, err)
	}
	switch {
	case !user.SyncStarted:
		return Result{Status: StatusSyncNotStarted}, nil
	case user.AuthenticationFailure:
		return Result{Status: StatusAuthFailure}, nil
	case user.CalendarID == nil || user.CalendarSyncFailed:
		return Result{Status: StatusNoCalendar}, nil
	}

	res, err := o.run(ctx, user)
	res.Status = o.classify(ctx, userID, err)
	if res.Status == StatusSuccess {
		summary := fmt.Sprintf("Last Sync: %s - pulled %d change(s) from and pushed %d update(s) to Outlook",
			o.now().Format("2006-01-02 15:04:05"), res.Pulled, res.Pushed)
		if serr := o.store.Users.SetLastSync(ctx, userID, summary); serr != nil {
			err = errors.Join(err, fmt.Errorf("store last sync: %w", serr))
		}
	}
	if err == nil {
		return res, nil
	}
	res.Error = err.Error()
	if res.Status == StatusSuccess {
		log.Printf("[WARN] syncer: user %d synced partially: %v", userID, err)
		return res, nil
	}
	log.Printf("[ERROR] syncer: user %d sync ended with %s: %v", userID, res.Status, err)
	return res, err
}

// run executes every stage even when an earlier one fails, so queued local
// work still goes out while the pull is broken. Stage errors are joined.
func (o *Orchestrator) run(ctx context.Context, user *store.RemoteUser) (Result, error) {
	var (
		res  Result
		errs []error
	)

	pulled, err := o.puller.PullForUser(ctx, user)
	res.Pulled = pulled
	if err != nil {
		errs = append(errs, fmt.Errorf("pull: %w", err))
	}

	changed, err := o.tracker.ReconcileForUser(ctx, user.ID)
	res.Changed = changed
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}

	pushed, err := o.queue.Process(ctx, user)
	res.Pushed = pushed.Processed
	if err != nil {
		errs = append(errs, fmt.Errorf("push: %w", err))
	}
	res.UpdateCount = res.Pulled + res.Pushed
	log.Printf("[INFO] syncer: user %d pulled %d, reconciled %d, pushed %d", user.ID, res.Pulled, res.Changed, res.Pushed)
	return res, errors.Join(errs...)
}

// classify maps the joined stage errors to a status. Only a missing calendar
// or rejected credentials end the sync; anything else is a partial success.
// The user is re-read, since a failing stage may have flagged it.
func (o *Orchestrator) classify(ctx context.Context, userID int64, cause error) Status {
	if cause == nil {
		return StatusSuccess
	}
	if errors.Is(cause, calendar.ErrNoCalendar) || errors.Is(cause, calendar.ErrCalendarGone) {
		return StatusNoCalendar
	}
	if ctx.Err() != nil {
		return StatusFailed
	}
	user, err := o.store.Users.GetByID(ctx, userID)
	if err != nil {
		return StatusFailed
	}
	switch {
	case user.AuthenticationFailure:
		return StatusAuthFailure
	case user.CalendarID == nil || user.CalendarSyncFailed:
		return StatusNoCalendar
	}
	return StatusSuccess
}

// Start validates the user's setup, links existing meetings and runs the
// first sync.
func (o *Orchestrator) Start(ctx context.Context, userID int64) (Result, error) {
	user, err := o.store.Users.GetByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Status: StatusNoUser}, ErrUserNotFound
	}
	if err != nil {
		return Result{Status: StatusFailed}, fmt.Errorf("load user %d: %w", userID, err)
	}
	if err := o.calendar.Validate(ctx, user); err != nil {
		return Result{Status: StatusFailed}, err
	}

	if err := o.store.Users.SetSyncStarted(ctx, user.ID, true); err != nil {
		return Result{Status: StatusFailed}, fmt.Errorf("start sync for user %d: %w", user.ID, err)
	}
	user.SyncStarted = true
	if err := o.calendar.Start(ctx, user); err != nil {
		log.Printf("[WARN] syncer: user %d initial linking: %v", user.ID, err)
	}
	if err := o.store.Users.SetLastError(ctx, user.ID, ""); err != nil {
		return Result{Status: StatusFailed}, err
	}
	log.Printf("[INFO] syncer: user %d started sync", user.ID)
	return o.SyncNow(ctx, user.ID)
}

// Stop ends sync for the user. Queued mutations stay until sync restarts.
func (o *Orchestrator) Stop(ctx context.Context, userID int64) error {
	err := o.store.Users.SetSyncStarted(ctx, userID, false)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

// RunCycle pulls every user and reconciles every pending change. It is the
// body of the scheduled pull job.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	var errs []error
	if _, err := o.puller.PullAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := o.tracker.ReconcileAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
