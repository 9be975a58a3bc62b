package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"time"

	"gitea.jw6.us/james/calsync/internal/links"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/payload"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Tracker intercepts record writes and reconciles queued changes.
type Tracker struct {
	store    *store.Store
	links    *links.Manager
	registry *Registry
	now      func() time.Time
}

// New builds a Tracker.
func New(st *store.Store, lm *links.Manager, registry *Registry) *Tracker {
	return &Tracker{store: st, links: lm, registry: registry, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock used to stamp user writes.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Registry returns the entity registry.
func (t *Tracker) Registry() *Registry { return t.registry }

// WriteOptions carries mode specific arguments.
type WriteOptions struct {
	// LastWrite is the remote modification time of an external write.
	LastWrite time.Time
}

// Write applies values to the record under mode.
//
// User writes snapshot the pre-write value of every observed field that is
// not captured yet and queue a change item. External writes bypass the
// snapshot and stamp the record's last applied write time. Change-push writes
// only store the values. Original-value-snapshot writes replace the
// snapshot itself.
func (t *Tracker) Write(ctx context.Context, ref store.RecordRef, values store.Fields, mode store.WriteMode, opts WriteOptions) error {
	switch mode {
	case store.WriteOriginalSnapshot:
		return t.store.Records.SetOriginalValues(ctx, ref, values)
	case store.WriteChangePush:
		return t.store.Records.UpdateFields(ctx, ref, values, t.now())
	case store.WriteExternal:
		return t.writeExternal(ctx, ref, values, opts.LastWrite)
	}
	return t.writeUser(ctx, ref, values)
}

func (t *Tracker) writeUser(ctx context.Context, ref store.RecordRef, values store.Fields) error {
	entity, tracked := t.registry.Lookup(ref.Kind)
	if !tracked {
		return t.store.Records.UpdateFields(ctx, ref, values, t.now())
	}
	rec, err := t.store.Records.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("load %s: %w", ref, err)
	}

	watch := observed(entity)
	original := rec.OriginalValues.Clone()
	if original == nil {
		original = store.Fields{}
	}
	captured := false
	changes := store.Fields{}
	for name, value := range values {
		if !watch[name] {
			continue
		}
		changes[name] = value
		if !original.Has(name) {
			original[name] = rec.Fields[name]
			captured = true
		}
	}
	if captured {
		if err := t.store.Records.SetOriginalValues(ctx, ref, original); err != nil {
			return fmt.Errorf("snapshot %s: %w", ref, err)
		}
	}

	now := t.now()
	if err := t.store.Records.UpdateFields(ctx, ref, values, now); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := t.store.ChangeQueue.Create(ctx, store.ChangeQueueItem{
		Record:    ref,
		Changes:   changes,
		EventTime: now,
		Status:    store.ChangeWaiting,
	}); err != nil {
		return fmt.Errorf("queue change for %s: %w", ref, err)
	}
	return nil
}

func (t *Tracker) writeExternal(ctx context.Context, ref store.RecordRef, values store.Fields, lastWrite time.Time) error {
	if lastWrite.IsZero() {
		lastWrite = t.now()
	}
	if len(values) > 0 {
		if err := t.store.Records.UpdateFields(ctx, ref, values, lastWrite); err != nil {
			return fmt.Errorf("external write %s: %w", ref, err)
		}
	}
	if err := t.store.Records.SetChangeLastWrite(ctx, ref, lastWrite); err != nil {
		return fmt.Errorf("stamp %s: %w", ref, err)
	}
	return nil
}

// Reconcile merges the record's queued changes with last-write-wins by event
// time, stores the result and patches every link of the record and of its
// children. Changes not newer than the record's last applied write are
// dropped. It reports whether any field was applied.
func (t *Tracker) Reconcile(ctx context.Context, ref store.RecordRef) (bool, error) {
	items, err := t.store.ChangeQueue.ClaimForRecord(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("claim changes for %s: %w", ref, err)
	}
	if len(items) == 0 {
		return false, nil
	}
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}

	rec, err := t.store.Records.Get(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return false, t.store.ChangeQueue.Delete(ctx, ids)
	}
	if err != nil {
		t.release(ctx, ids)
		return false, fmt.Errorf("load %s: %w", ref, err)
	}

	merged, newest := MergeChanges(items, rec.ChangeLastWrite)
	metrics.AddChangeItems(len(items))
	if len(merged) == 0 {
		return false, t.store.ChangeQueue.Delete(ctx, ids)
	}

	if err := t.store.Records.UpdateFields(ctx, ref, merged, newest); err != nil {
		t.release(ctx, ids)
		return false, fmt.Errorf("apply changes to %s: %w", ref, err)
	}
	if err := t.store.Records.SetChangeLastWrite(ctx, ref, newest); err != nil {
		t.release(ctx, ids)
		return false, fmt.Errorf("stamp %s: %w", ref, err)
	}
	if err := t.store.ChangeQueue.Delete(ctx, ids); err != nil {
		return true, fmt.Errorf("drop applied changes for %s: %w", ref, err)
	}

	for k, v := range merged {
		rec.Fields[k] = v
	}
	pushErr := t.pushChanges(ctx, rec, merged)
	if err := t.store.Records.SetOriginalValues(ctx, ref, nil); err != nil {
		pushErr = errors.Join(pushErr, fmt.Errorf("clear snapshot of %s: %w", ref, err))
	}
	return true, pushErr
}

func (t *Tracker) release(ctx context.Context, ids []int64) {
	if err := t.store.ChangeQueue.Release(ctx, ids); err != nil {
		log.Printf("[ERROR] changes: failed to release %d items: %v", len(ids), err)
	}
}

func (t *Tracker) pushChanges(ctx context.Context, rec *store.Record, changed store.Fields) error {
	entity, ok := t.registry.Lookup(rec.Ref.Kind)
	if !ok {
		return nil
	}
	template, err := t.Template(ctx, entity, rec, changed, false)
	if err != nil {
		return err
	}
	var errs []error
	if err := t.links.PatchScope(ctx, entity.LinkScope(rec), template); err != nil {
		errs = append(errs, err)
	}

	children, err := t.store.Records.ListChildren(ctx, rec.Ref)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list children of %s: %w", rec.Ref, err))...)
	}
	if len(children) > 0 {
		childTemplate, err := t.Template(ctx, entity, rec, changed, true)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, child := range children {
			if err := t.links.PatchScope(ctx, store.LinkScope{Ref: child.Ref}, childTemplate); err != nil {
				errs = append(errs, err)
			}
		}
	}
	log.Printf("[INFO] changes: links patched for %s", rec.Ref)
	return errors.Join(errs...)
}

// Template prepares the remote payload for changed fields and merges the
// active custom values of the kind into it.
func (t *Tracker) Template(ctx context.Context, entity Entity, rec *store.Record, changed store.Fields, isChild bool) (payload.Template, error) {
	template, err := entity.PrepareRemoteTemplate(ctx, rec, changed, isChild)
	if err != nil {
		return nil, fmt.Errorf("prepare template for %s: %w", rec.Ref, err)
	}
	if len(template) == 0 {
		return template, nil
	}
	return t.WithCustomValues(ctx, entity.Kind(), template)
}

// WithCustomValues merges the active custom values of kind into template in
// sequence order.
func (t *Tracker) WithCustomValues(ctx context.Context, kind string, template payload.Template) (payload.Template, error) {
	customs, err := t.store.CustomValues.ListActive(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("load custom values for %s: %w", kind, err)
	}
	sort.SliceStable(customs, func(i, j int) bool { return customs[i].Sequence < customs[j].Sequence })
	for _, custom := range customs {
		var extra payload.Template
		if err := json.Unmarshal(custom.Value, &extra); err != nil {
			log.Printf("[WARN] changes: custom value %q is not an object: %v", custom.Name, err)
			continue
		}
		template = payload.MergeTemplates(template, extra)
	}
	return template, nil
}

// MergeChanges folds change items into one field set. Per field the value of
// the item with the greatest event time wins; an item whose time is not
// after the field's current winner or after lastWrite is ignored.
func MergeChanges(items []store.ChangeQueueItem, lastWrite *time.Time) (store.Fields, time.Time) {
	sorted := append([]store.ChangeQueueItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EventTime.Equal(sorted[j].EventTime) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].EventTime.Before(sorted[j].EventTime)
	})

	merged := store.Fields{}
	times := make(map[string]time.Time)
	var newest time.Time
	for _, item := range sorted {
		if lastWrite != nil && !item.EventTime.After(*lastWrite) {
			continue
		}
		for name, value := range item.Changes {
			if at, ok := times[name]; ok && !item.EventTime.After(at) {
				continue
			}
			merged[name] = value
			times[name] = item.EventTime
			if item.EventTime.After(newest) {
				newest = item.EventTime
			}
		}
	}
	return merged, newest
}

// ReconcileAll reconciles every record with waiting changes.
func (t *Tracker) ReconcileAll(ctx context.Context) (int, error) {
	refs, err := t.store.ChangeQueue.ListRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("list changed records: %w", err)
	}
	return t.reconcileRefs(ctx, refs)
}

// ReconcileForUser reconciles the records linked to the user.
func (t *Tracker) ReconcileForUser(ctx context.Context, userID int64) (int, error) {
	userLinks, err := t.store.Links.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list links of user %d: %w", userID, err)
	}
	seen := make(map[store.RecordRef]bool)
	var refs []store.RecordRef
	for _, link := range userLinks {
		if !seen[link.Record] {
			seen[link.Record] = true
			refs = append(refs, link.Record)
		}
	}
	return t.reconcileRefs(ctx, refs)
}

func (t *Tracker) reconcileRefs(ctx context.Context, refs []store.RecordRef) (int, error) {
	count := 0
	var errs []error
	for _, ref := range refs {
		applied, err := t.Reconcile(ctx, ref)
		if applied {
			count++
		}
		if err != nil {
			log.Printf("[ERROR] changes: reconcile %s: %v", ref, err)
			errs = append(errs, err)
		}
	}
	return count, errors.Join(errs...)
}

// ExtractChanged returns the candidates that differ from the record. A field
// with a pending snapshot is compared with the snapshot, so edits not pushed
// yet are not mistaken for remote changes.
func ExtractChanged(rec *store.Record, candidates store.Fields) store.Fields {
	out := store.Fields{}
	for name, value := range candidates {
		baseline, ok := rec.OriginalValues[name]
		if !ok {
			baseline = rec.Fields[name]
		}
		if sameValue(baseline, value) {
			continue
		}
		out[name] = value
	}
	return out
}

// sameValue compares JSON-shaped values. Lists of scalars compare as sets.
func sameValue(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if la, ok := a.([]any); ok {
		if lb, ok := b.([]any); ok {
			if set, ok := scalarSet(la); ok {
				if other, ok := scalarSet(lb); ok {
					return reflect.DeepEqual(set, other)
				}
			}
		}
	}
	return reflect.DeepEqual(a, b)
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func scalarSet(list []any) (map[string]bool, bool) {
	out := make(map[string]bool, len(list))
	for _, item := range list {
		switch item.(type) {
		case map[string]any, []any:
			return nil, false
		}
		out[fmt.Sprintf("%T:%v", item, item)] = true
	}
	return out, true
}

// Delete removes the record's links, its queued changes and the record.
// Links go first so that a cascading removal never skips the remote delete.
func (t *Tracker) Delete(ctx context.Context, ref store.RecordRef) error {
	rec, err := t.store.Records.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("load %s: %w", ref, err)
	}
	scope := DefaultScope(rec)
	if entity, ok := t.registry.Lookup(ref.Kind); ok {
		scope = entity.LinkScope(rec)
	}
	if err := t.links.DeleteForRecord(ctx, scope); err != nil {
		return err
	}
	if err := t.store.ChangeQueue.DeleteForRecord(ctx, ref); err != nil {
		return fmt.Errorf("drop changes of %s: %w", ref, err)
	}
	return t.store.Records.Delete(ctx, ref)
}
