// Package push owns the durable queue of outbound remote mutations.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/remote"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Clients hands out per-user remote clients.
type Clients interface {
	ForUser(user *store.RemoteUser) *remote.Client
}

// CreatedHook runs after a POST for a link succeeded and the link carries
// its new remote id. body is the decoded remote answer.
type CreatedHook func(ctx context.Context, link *store.RecordLink, body map[string]any) error

// Queue enqueues and processes push items.
type Queue struct {
	store   *store.Store
	clients Clients
	hooks   map[string]CreatedHook
}

// New builds a Queue.
func New(st *store.Store, clients Clients) *Queue {
	return &Queue{store: st, clients: clients, hooks: make(map[string]CreatedHook)}
}

// OnCreated registers a hook for links of the given record kind.
func (q *Queue) OnCreated(kind string, hook CreatedHook) {
	q.hooks[kind] = hook
}

// Item describes a mutation to enqueue.
type Item struct {
	UserID int64
	Method string
	// Domain is the access path; "%s" is replaced with the target id.
	Domain   string
	TargetID string
	Payload  any
	Link     *store.RecordLink
	Headers  map[string]string
}

// Enqueue appends a mutation. It never contacts the remote. A DELETE cancels
// every pending item for the same link, the same target and any path below
// the target before it is stored.
func (q *Queue) Enqueue(ctx context.Context, item Item) (*store.PushQueueItem, error) {
	data, err := encodePayload(item.Payload)
	if err != nil {
		return nil, err
	}
	row := store.PushQueueItem{
		UserID:   item.UserID,
		Method:   item.Method,
		Domain:   item.Domain,
		TargetID: item.TargetID,
		Payload:  data,
		Headers:  item.Headers,
		Status:   store.PushWaiting,
	}
	if item.Link != nil {
		id := item.Link.ID
		row.LinkID = &id
		if row.TargetID == "" {
			row.TargetID = item.Link.RemoteID
		}
	}

	if item.Method == store.MethodDelete {
		if err := q.cancelSuperseded(ctx, row); err != nil {
			return nil, err
		}
	}

	stored, err := q.store.PushQueue.Enqueue(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s %s: %w", item.Method, item.Domain, err)
	}
	return stored, nil
}

func (q *Queue) cancelSuperseded(ctx context.Context, row store.PushQueueItem) error {
	var total int64
	if row.LinkID != nil {
		n, err := q.store.PushQueue.CancelForLink(ctx, *row.LinkID, "Superseded by delete")
		if err != nil {
			return fmt.Errorf("cancel link pushes: %w", err)
		}
		total += n
	}
	if row.TargetID != "" {
		n, err := q.store.PushQueue.CancelForDomain(ctx, row.UserID, row.TargetID, "Parent deleted")
		if err != nil {
			return fmt.Errorf("cancel child pushes: %w", err)
		}
		total += n
		n, err = q.store.PushQueue.CancelForTarget(ctx, row.UserID, row.TargetID, "Deleted")
		if err != nil {
			return fmt.Errorf("cancel target pushes: %w", err)
		}
		total += n
	}
	if total > 0 {
		metrics.AddPushItems("cancelled", int(total))
	}
	return nil
}

// Result counts the outcome of one processing pass.
type Result struct {
	Processed int
	Retrying  int
	Failed    int
}

// Process claims every pending item of the user and sends them as one
// batched call. Items are deleted on success, put back to retrying on
// recoverable errors and marked failed otherwise. When the batch call itself
// fails, items without an answer return to retrying and the error is
// returned.
func (q *Queue) Process(ctx context.Context, user *store.RemoteUser) (Result, error) {
	var res Result
	start := time.Now()
	defer metrics.ObserveJob("push_user", start)

	items, err := q.store.PushQueue.ClaimForUser(ctx, user.ID)
	if err != nil {
		return res, fmt.Errorf("claim push items: %w", err)
	}
	if len(items) == 0 {
		return res, nil
	}

	client := q.clients.ForUser(user)
	var (
		sendable []store.PushQueueItem
		links    []*store.RecordLink
		requests []remote.Request
		waiting  []store.PushQueueItem
	)
	for _, item := range items {
		link, err := q.loadLink(ctx, item)
		if err != nil {
			q.revert(ctx, itemIDs(items), err)
			return res, err
		}
		path, ok := resolvePath(item, link)
		if !ok {
			waiting = append(waiting, item)
			continue
		}
		sendable = append(sendable, item)
		links = append(links, link)
		requests = append(requests, remote.Request{
			Method:  item.Method,
			Path:    path,
			Body:    item.Payload,
			Headers: item.Headers,
		})
	}
	if len(waiting) > 0 {
		q.deferUnresolved(ctx, user.ID, waiting, &res)
	}
	if len(requests) == 0 {
		metrics.AddPushItems("retrying", res.Retrying)
		metrics.AddPushItems("failed", res.Failed)
		return res, nil
	}

	responses, batchErr := client.Batch(ctx, requests)
	for i, resp := range responses {
		q.apply(ctx, client, sendable[i], links[i], resp, &res)
	}
	if batchErr != nil {
		rest := itemIDs(sendable[len(responses):])
		q.revert(ctx, rest, batchErr)
		res.Retrying += len(rest)
		log.Printf("[WARN] push: user %d: batch failed, %d items back to retrying: %v", user.ID, len(rest), batchErr)
	}

	metrics.AddPushItems("processed", res.Processed)
	metrics.AddPushItems("retrying", res.Retrying)
	metrics.AddPushItems("failed", res.Failed)
	return res, batchErr
}

// deferUnresolved puts items whose target has no remote id yet back to
// retrying while a POST creating that target is still queued or in flight.
// Without such a POST the id will never arrive, so the items fail.
func (q *Queue) deferUnresolved(ctx context.Context, userID int64, items []store.PushQueueItem, res *Result) {
	creating := make(map[int64]bool)
	all, err := q.store.PushQueue.ListByUser(ctx, userID)
	if err != nil {
		log.Printf("[ERROR] push: user %d: list items: %v", userID, err)
	}
	for _, it := range all {
		if it.Method == store.MethodPost && it.LinkID != nil && (it.Status.Pending() || it.Status == store.PushProcessing) {
			creating[*it.LinkID] = true
		}
	}

	var deferred []int64
	for _, item := range items {
		if err != nil || (item.LinkID != nil && creating[*item.LinkID]) {
			deferred = append(deferred, item.ID)
			continue
		}
		if ferr := q.store.PushQueue.MarkFailed(ctx, item.ID, "remote object was never created"); ferr != nil {
			log.Printf("[ERROR] push: item %d: %v", item.ID, ferr)
		}
		log.Printf("[WARN] push: user %d: item %d targets a link without remote id and no pending create", userID, item.ID)
		res.Failed++
	}
	if len(deferred) == 0 {
		return
	}
	if err := q.store.PushQueue.MarkRetrying(ctx, deferred, "remote id not known yet"); err != nil {
		log.Printf("[ERROR] push: user %d: failed to defer items: %v", userID, err)
	}
	res.Retrying += len(deferred)
}

func (q *Queue) apply(ctx context.Context, client *remote.Client, item store.PushQueueItem, link *store.RecordLink, resp remote.Response, res *Result) {
	err := resp.Err()
	if err != nil && item.Method == store.MethodDelete && link != nil && remote.IsKind(err, remote.KindNotFound) {
		// Already gone remotely.
		err = nil
	}
	if err != nil {
		client.ReportError(ctx, err)
		if remote.IsRecoverable(err) {
			if serr := q.store.PushQueue.MarkRetrying(ctx, []int64{item.ID}, err.Error()); serr != nil {
				log.Printf("[ERROR] push: item %d: %v", item.ID, serr)
			}
			res.Retrying++
			return
		}
		log.Printf("[WARN] push: item %d %s %s failed: %v", item.ID, item.Method, item.Domain, err)
		if serr := q.store.PushQueue.MarkFailed(ctx, item.ID, err.Error()); serr != nil {
			log.Printf("[ERROR] push: item %d: %v", item.ID, serr)
		}
		res.Failed++
		return
	}

	if err := q.store.PushQueue.Delete(ctx, item.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[ERROR] push: item %d: delete after success: %v", item.ID, err)
	}
	res.Processed++
	if link == nil {
		return
	}

	switch item.Method {
	case store.MethodDelete:
		if err := q.store.Links.Delete(ctx, link.ID); err != nil {
			log.Printf("[ERROR] push: link %d: delete after remote delete: %v", link.ID, err)
		}
	case store.MethodPost:
		var body map[string]any
		if err := resp.Decode(&body); err != nil {
			log.Printf("[WARN] push: link %d: %v", link.ID, err)
			return
		}
		remoteID, _ := body["Id"].(string)
		if remoteID == "" {
			return
		}
		if err := q.store.Links.SetRemoteID(ctx, link.ID, remoteID, link.DataDomain); err != nil {
			log.Printf("[ERROR] push: link %d: store remote id: %v", link.ID, err)
			return
		}
		link.RemoteID = remoteID
		if hook := q.hooks[link.Record.Kind]; hook != nil {
			if err := hook(ctx, link, body); err != nil {
				log.Printf("[WARN] push: link %d: created hook: %v", link.ID, err)
			}
		}
	}
}

func (q *Queue) loadLink(ctx context.Context, item store.PushQueueItem) (*store.RecordLink, error) {
	if item.LinkID == nil {
		return nil, nil
	}
	link, err := q.store.Links.GetByID(ctx, *item.LinkID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load link %d: %w", *item.LinkID, err)
	}
	return link, nil
}

func (q *Queue) revert(ctx context.Context, ids []int64, cause error) {
	if len(ids) == 0 {
		return
	}
	if err := q.store.PushQueue.MarkRetrying(ctx, ids, cause.Error()); err != nil {
		log.Printf("[ERROR] push: failed to revert %d items: %v", len(ids), err)
	}
}

// ProcessAll runs Process for every sync-enabled user with pending items.
// One user's failure does not stop the others.
func (q *Queue) ProcessAll(ctx context.Context) (Result, error) {
	var total Result
	users, err := q.store.Users.ListWithPendingPushes(ctx)
	if err != nil {
		return total, fmt.Errorf("list users with pending pushes: %w", err)
	}
	var errs []error
	for i := range users {
		user := &users[i]
		if !user.SyncStarted {
			continue
		}
		res, err := q.Process(ctx, user)
		total.Processed += res.Processed
		total.Retrying += res.Retrying
		total.Failed += res.Failed
		if err != nil {
			log.Printf("[ERROR] push: user %d: %v", user.ID, err)
			errs = append(errs, fmt.Errorf("user %d: %w", user.ID, err))
		}
	}
	return total, errors.Join(errs...)
}

// resolvePath fills the domain template with the item's target or the
// link's remote id.
func resolvePath(item store.PushQueueItem, link *store.RecordLink) (string, bool) {
	if !strings.Contains(item.Domain, "%s") {
		return item.Domain, true
	}
	id := item.TargetID
	if id == "" && link != nil {
		id = link.RemoteID
	}
	if id == "" {
		return "", false
	}
	return strings.Replace(item.Domain, "%s", id, 1), true
}

func itemIDs(items []store.PushQueueItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode push payload: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}
