package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/dispatch"
)

// memStore is an in-memory Store with the same guarantees the Postgres
// schema gives: uncommitted rows are invisible to other units, a second
// insert of a reserved key blocks until the holder commits or rolls back,
// reading a drop's status locks its row until the unit ends, and the drop
// status update is conditional on pending.
type memStore struct {
	mu   sync.Mutex
	cond *sync.Cond

	drops      map[uuid.UUID]*db.ScheduledDrop
	campaigns  map[uuid.UUID]*db.Campaign
	content    map[uuid.UUID]*db.ContentItem
	recipients map[uuid.UUID][]db.Recipient

	jobs       map[string]*db.SendJob
	keyOwners  map[string]*memTx
	dropOwners map[uuid.UUID]*memTx

	dueErr error
	// failOp makes the named Tx operation fail once.
	failOp string
}

func newMemStore() *memStore {
	s := &memStore{
		drops:      make(map[uuid.UUID]*db.ScheduledDrop),
		campaigns:  make(map[uuid.UUID]*db.Campaign),
		content:    make(map[uuid.UUID]*db.ContentItem),
		recipients: make(map[uuid.UUID][]db.Recipient),
		jobs:       make(map[string]*db.SendJob),
		keyOwners:  make(map[string]*memTx),
		dropOwners: make(map[uuid.UUID]*memTx),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

var errStorageDown = errors.New("storage unavailable")

func (s *memStore) DueDrops(ctx context.Context, now time.Time, limit int) ([]db.ScheduledDrop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dueErr != nil {
		return nil, s.dueErr
	}

	var due []db.ScheduledDrop
	for _, d := range s.drops {
		if d.Status == db.DropStatusPending && !d.PublishAt.After(now) {
			due = append(due, *d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].PublishAt.Equal(due[j].PublishAt) {
			return due[i].PublishAt.Before(due[j].PublishAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memTx{
		s:       s,
		created: make(map[string]*db.SendJob),
		byID:    make(map[uuid.UUID]*db.SendJob),
	}

	if err := fn(tx); err != nil {
		tx.finish(false)
		return err
	}
	tx.finish(true)
	return nil
}

func (s *memStore) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOp == op {
		s.failOp = ""
		return errStorageDown
	}
	return nil
}

func (s *memStore) cancelDrop(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Wait like a row lock would if a unit holds the drop.
	for s.dropOwners[id] != nil {
		s.cond.Wait()
	}
	if d := s.drops[id]; d.Status == db.DropStatusPending {
		d.Status = db.DropStatusCancelled
	}
}

func (s *memStore) jobRows() []db.SendJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]db.SendJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		rows = append(rows, *j)
	}
	return rows
}

func (s *memStore) dropStatus(id uuid.UUID) db.DropStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops[id].Status
}

type memTx struct {
	s          *memStore
	created    map[string]*db.SendJob
	byID       map[uuid.UUID]*db.SendJob
	lockedDrop *uuid.UUID
	expandDrop *uuid.UUID
	expandedAt time.Time
}

// lockDrop waits like SELECT ... FOR UPDATE for the row of id. Callers hold s.mu.
func (t *memTx) lockDrop(id uuid.UUID) {
	for {
		owner := t.s.dropOwners[id]
		if owner == nil || owner == t {
			break
		}
		t.s.cond.Wait()
	}
	t.s.dropOwners[id] = t
	t.lockedDrop = &id
}

func (t *memTx) DropStatus(ctx context.Context, id uuid.UUID) (db.DropStatus, error) {
	if err := t.s.takeFailure("DropStatus"); err != nil {
		return "", err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.drops[id]; !ok {
		return "", db.ErrNotFound
	}
	t.lockDrop(id)
	return t.s.drops[id].Status, nil
}

func (t *memTx) Campaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.campaigns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) ContentItem(ctx context.Context, id uuid.UUID) (*db.ContentItem, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.content[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) Recipients(ctx context.Context, campaignID uuid.UUID) ([]db.Recipient, error) {
	if err := t.s.takeFailure("Recipients"); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rs := append([]db.Recipient(nil), t.s.recipients[campaignID]...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID.String() < rs[j].ID.String() })
	return rs, nil
}

func (t *memTx) GetOrCreateJob(ctx context.Context, job *db.SendJob) (*db.SendJob, bool, error) {
	if err := t.s.takeFailure("GetOrCreateJob"); err != nil {
		return nil, false, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if existing, ok := t.created[job.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}

	for {
		owner := t.s.keyOwners[job.IdempotencyKey]
		if owner == nil || owner == t {
			break
		}
		t.s.cond.Wait()
	}

	if existing, ok := t.s.jobs[job.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}

	row := *job
	row.Status = db.JobStatusQueued
	t.s.keyOwners[job.IdempotencyKey] = t
	t.created[job.IdempotencyKey] = &row
	t.byID[row.ID] = &row

	cp := row
	return &cp, true, nil
}

func (t *memTx) MarkJobSent(ctx context.Context, id uuid.UUID, sentAt time.Time, metadata json.RawMessage) error {
	if err := t.s.takeFailure("MarkJobSent"); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	row, ok := t.byID[id]
	if !ok {
		return db.ErrNotFound
	}
	row.Status = db.JobStatusSent
	row.SentAt = &sentAt
	row.Error = nil
	row.Metadata = metadata
	return nil
}

func (t *memTx) MarkJobFailed(ctx context.Context, id uuid.UUID, reason string, metadata json.RawMessage) error {
	if err := t.s.takeFailure("MarkJobFailed"); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	row, ok := t.byID[id]
	if !ok {
		return db.ErrNotFound
	}
	row.Status = db.JobStatusFailed
	row.SentAt = nil
	row.Error = &reason
	row.Metadata = metadata
	return nil
}

func (t *memTx) MarkDropExpanded(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := t.s.takeFailure("MarkDropExpanded"); err != nil {
		return err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.lockDrop(id)
	if t.s.drops[id].Status != db.DropStatusPending {
		return db.ErrDropNotPending
	}
	t.expandDrop = &id
	t.expandedAt = at
	return nil
}

func (t *memTx) finish(commit bool) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if commit {
		for key, row := range t.created {
			t.s.jobs[key] = row
		}
		if t.expandDrop != nil {
			d := t.s.drops[*t.expandDrop]
			d.Status = db.DropStatusExpanded
			at := t.expandedAt
			d.ExpandedAt = &at
		}
	}

	for key := range t.created {
		if t.s.keyOwners[key] == t {
			delete(t.s.keyOwners, key)
		}
	}
	if t.lockedDrop != nil && t.s.dropOwners[*t.lockedDrop] == t {
		delete(t.s.dropOwners, *t.lockedDrop)
	}
	t.s.cond.Broadcast()
}

// fakeDispatcher records every call and fails (user, channel) pairs listed in fail.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	fail  map[dispatchCall]string
	// onSend runs before the outcome is decided.
	onSend func(ctx context.Context, call dispatchCall)
}

type dispatchCall struct {
	UserID  uuid.UUID
	Channel db.Channel
}

func (f *fakeDispatcher) Send(ctx context.Context, recipient db.Recipient, content *db.ContentItem, channel db.Channel) dispatch.Outcome {
	call := dispatchCall{UserID: recipient.ID, Channel: channel}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.onSend
	reason, shouldFail := f.fail[call]
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}
	if err := ctx.Err(); err != nil {
		return dispatch.Failed("dispatch timed out: "+err.Error(), nil)
	}
	if shouldFail {
		return dispatch.Failed(reason, nil)
	}
	return dispatch.Succeeded(json.RawMessage(`{"provider":"fake"}`))
}

func (f *fakeDispatcher) Calls() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

type fakeEvents struct {
	mu      sync.Mutex
	results []*ExpandResult
	err     error
}

func (f *fakeEvents) PublishDropExpanded(ctx context.Context, result *ExpandResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return f.err
}
