// Package links decides how local writes on linked records reach the remote
// side.
package links

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gitea.jw6.us/james/calsync/internal/payload"
	"gitea.jw6.us/james/calsync/internal/push"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Manager creates, patches and deletes record links.
type Manager struct {
	store *store.Store
	queue *push.Queue
}

// New builds a Manager.
func New(st *store.Store, queue *push.Queue) *Manager {
	return &Manager{store: st, queue: queue}
}

// CreateParams describes a link to create.
type CreateParams struct {
	UserID int64
	Record store.RecordRef
	// RemoteID is empty when the remote object does not exist yet.
	RemoteID     string
	DataDomain   string
	CreateDomain string
	Direction    store.SyncDirection
	Payload      payload.Template
}

// Create links a record to a remote object for a user. When the pair is
// already linked the existing link is updated instead. A new link without a
// remote id queues a POST; one with a remote id queues a PATCH carrying the
// initial payload.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*store.RecordLink, error) {
	existing, err := m.store.Links.GetByRecordAndUser(ctx, p.Record, p.UserID)
	if err == nil {
		return m.update(ctx, existing, p)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup link: %w", err)
	}

	direction := p.Direction
	if direction == "" {
		direction = store.DirectionBoth
	}
	link, err := m.store.Links.Create(ctx, store.RecordLink{
		UserID:       p.UserID,
		Record:       p.Record,
		RemoteID:     p.RemoteID,
		DataDomain:   p.DataDomain,
		CreateDomain: p.CreateDomain,
		Direction:    direction,
	})
	if errors.Is(err, store.ErrConflict) {
		existing, gerr := m.store.Links.GetByRecordAndUser(ctx, p.Record, p.UserID)
		if gerr != nil {
			return nil, fmt.Errorf("lookup link after conflict: %w", gerr)
		}
		return m.update(ctx, existing, p)
	}
	if err != nil {
		return nil, err
	}

	if link.RemoteID == "" {
		if _, err := m.queue.Enqueue(ctx, push.Item{
			UserID:  link.UserID,
			Method:  store.MethodPost,
			Domain:  link.CreateDomain,
			Payload: p.Payload,
			Link:    link,
		}); err != nil {
			return link, err
		}
	} else if err := m.Patch(ctx, link, p.Payload); err != nil {
		return link, err
	}
	log.Printf("[INFO] created record link %d for user %d: %s", link.ID, link.UserID, link.Record)
	return link, nil
}

func (m *Manager) update(ctx context.Context, link *store.RecordLink, p CreateParams) (*store.RecordLink, error) {
	if p.RemoteID != "" && (p.RemoteID != link.RemoteID || (p.DataDomain != "" && p.DataDomain != link.DataDomain)) {
		domain := p.DataDomain
		if domain == "" {
			domain = link.DataDomain
		}
		if err := m.store.Links.SetRemoteID(ctx, link.ID, p.RemoteID, domain); err != nil {
			return nil, fmt.Errorf("update link %d: %w", link.ID, err)
		}
		link.RemoteID = p.RemoteID
		link.DataDomain = domain
	}
	if p.Direction != "" && p.Direction != link.Direction {
		if err := m.store.Links.SetDirection(ctx, link.ID, p.Direction); err != nil {
			return nil, fmt.Errorf("update link %d: %w", link.ID, err)
		}
		link.Direction = p.Direction
	}
	return link, nil
}

// Patch sends a template diff for the link. Links that do not push local
// changes ignore it. A pending POST or PATCH absorbs the diff; a pending
// DELETE swallows it.
func (m *Manager) Patch(ctx context.Context, link *store.RecordLink, diff payload.Template) error {
	if len(diff) == 0 || !link.Direction.PushesLocal() {
		return nil
	}

	encoded, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("encode patch for link %d: %w", link.ID, err)
	}
	pending, err := m.store.PushQueue.ListPendingForLink(ctx, link.ID)
	if err != nil {
		return fmt.Errorf("list pending pushes for link %d: %w", link.ID, err)
	}
	if len(pending) > 0 {
		prev := pending[0]
		switch prev.Method {
		case store.MethodDelete:
			return nil
		case store.MethodPost, store.MethodPatch:
			merged, err := payload.MergeJSON(prev.Payload, encoded)
			if err != nil {
				return fmt.Errorf("merge into push item %d: %w", prev.ID, err)
			}
			err = m.store.PushQueue.UpdatePayload(ctx, prev.ID, merged)
			if err == nil {
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("update push item %d: %w", prev.ID, err)
			}
			// Claimed in the meantime; queue a fresh PATCH.
		}
	}

	_, err = m.queue.Enqueue(ctx, push.Item{
		UserID:   link.UserID,
		Method:   store.MethodPatch,
		Domain:   link.DataDomain,
		TargetID: link.RemoteID,
		Payload:  diff,
		Link:     link,
	})
	return err
}

// Delete removes the link's remote object, or only the link when the remote
// side owns the object. Links created below the remote object are forgotten,
// since the remote delete takes their objects with it.
func (m *Manager) Delete(ctx context.Context, link *store.RecordLink) error {
	if link.Direction == store.DirectionRemoteToLocal {
		return m.store.Links.Delete(ctx, link.ID)
	}
	if _, err := m.store.PushQueue.CancelForLink(ctx, link.ID, "Link deleted"); err != nil {
		return fmt.Errorf("cancel pushes for link %d: %w", link.ID, err)
	}
	if link.RemoteID == "" {
		// Never created remotely.
		return m.store.Links.Delete(ctx, link.ID)
	}

	children, err := m.store.Links.ListByCreateDomain(ctx, link.UserID, link.RemoteID)
	if err != nil {
		return fmt.Errorf("list child links: %w", err)
	}
	for i := range children {
		if children[i].ID == link.ID {
			continue
		}
		if err := m.Forget(ctx, &children[i]); err != nil {
			return err
		}
	}

	_, err = m.queue.Enqueue(ctx, push.Item{
		UserID:   link.UserID,
		Method:   store.MethodDelete,
		Domain:   link.DataDomain,
		TargetID: link.RemoteID,
		Link:     link,
	})
	return err
}

// Forget removes a link without touching the remote object.
func (m *Manager) Forget(ctx context.Context, link *store.RecordLink) error {
	if _, err := m.store.PushQueue.CancelForLink(ctx, link.ID, "Link removed"); err != nil {
		return fmt.Errorf("cancel pushes for link %d: %w", link.ID, err)
	}
	return m.store.Links.Delete(ctx, link.ID)
}

// DeleteForRecord deletes every link in the scope.
func (m *Manager) DeleteForRecord(ctx context.Context, scope store.LinkScope) error {
	links, err := m.store.Links.ListByScope(ctx, scope)
	if err != nil {
		return fmt.Errorf("list links for %s: %w", scope.Ref, err)
	}
	var errs []error
	for i := range links {
		if err := m.Delete(ctx, &links[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PatchScope sends diff to every link in the scope.
func (m *Manager) PatchScope(ctx context.Context, scope store.LinkScope, diff payload.Template) error {
	if len(diff) == 0 {
		return nil
	}
	links, err := m.store.Links.ListByScope(ctx, scope)
	if err != nil {
		return fmt.Errorf("list links for %s: %w", scope.Ref, err)
	}
	var errs []error
	for i := range links {
		if err := m.Patch(ctx, &links[i], diff); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
