package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/roomguard/internal/domain/capability"
	"github.com/bigkaa/roomguard/internal/domain/chain"
	"github.com/bigkaa/roomguard/internal/domain/lifecycle"
	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCapability(name string) *capability.Service {
	return capability.Issue(name, testLogger())
}

// --- identity ---

type fakeIdentity struct {
	mu       sync.Mutex
	users    map[string]*model.User
	rooms    map[string]*model.Room
	members  map[[2]string]*model.RoomMembership
	err      error
	getRooms int
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		users:   map[string]*model.User{},
		rooms:   map[string]*model.Room{},
		members: map[[2]string]*model.RoomMembership{},
	}
}

func (f *fakeIdentity) CreateUser(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.ID]; ok {
		return repository.ErrConflict
	}
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeIdentity) GetUser(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeIdentity) CreateRoom(_ context.Context, r *model.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.rooms[r.ID] = &cp
	return nil
}

func (f *fakeIdentity) GetRoom(_ context.Context, id string) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getRooms++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeIdentity) GetMembership(_ context.Context, roomID, userID string) (*model.RoomMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.members[[2]string{roomID, userID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeIdentity) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	_, err := f.GetMembership(ctx, roomID, userID)
	if err == repository.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeIdentity) AddMembership(_ context.Context, m *model.RoomMembership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.members[[2]string{m.RoomID, m.UserID}] = &cp
	return nil
}

func (f *fakeIdentity) RemoveMembership(_ context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{roomID, userID}
	if _, ok := f.members[key]; !ok {
		return repository.ErrNotFound
	}
	delete(f.members, key)
	return nil
}

func (f *fakeIdentity) ArchiveRoom(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[id]
	if !ok || r.ArchivedAt != nil {
		return false, nil
	}
	now := time.Now()
	r.ArchivedAt = &now
	return true, nil
}

func (f *fakeIdentity) PurgeRoom(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[id]
	if !ok || r.PurgedAt != nil {
		return false, nil
	}
	now := time.Now()
	r.PurgedAt = &now
	for key := range f.members {
		if key[0] == id {
			delete(f.members, key)
		}
	}
	return true, nil
}

// --- messages ---

type fakeMessages struct {
	mu         sync.Mutex
	msgs       map[string]*model.Message
	failIDs    map[string]error
	lastRooms  []uuid.UUID
	lastLimit  int
	fetchCalls int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{msgs: map[string]*model.Message{}, failIDs: map[string]error{}}
}

func (f *fakeMessages) Create(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.msgs[m.ID] = &cp
	return nil
}

func (f *fakeMessages) Get(_ context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) FetchRecent(_ context.Context, roomIDs []uuid.UUID, since *time.Time, perRoom int) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	f.lastRooms = roomIDs
	f.lastLimit = perRoom

	// Та же семантика, что у LATERAL-запроса: до perRoom последних
	// неудалённых сообщений каждой комнаты, затем общее слияние.
	newestFirst := func(ms []*model.Message) {
		sort.Slice(ms, func(i, j int) bool {
			if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
				return ms[i].CreatedAt.After(ms[j].CreatedAt)
			}
			return ms[i].ID > ms[j].ID
		})
	}
	var out []*model.Message
	for _, room := range roomIDs {
		var perRoomMsgs []*model.Message
		for _, m := range f.msgs {
			if m.RoomID != room.String() || m.DeletedAt != nil {
				continue
			}
			if since != nil && m.CreatedAt.Before(*since) {
				continue
			}
			cp := *m
			perRoomMsgs = append(perRoomMsgs, &cp)
		}
		newestFirst(perRoomMsgs)
		if len(perRoomMsgs) > perRoom {
			perRoomMsgs = perRoomMsgs[:perRoom]
		}
		out = append(out, perRoomMsgs...)
	}
	newestFirst(out)
	return out, nil
}

func (f *fakeMessages) SoftDelete(_ context.Context, id string) (bool, error) {
	return f.mark(id, func(m *model.Message) **time.Time { return &m.DeletedAt })
}

func (f *fakeMessages) Archive(_ context.Context, id string) (bool, error) {
	return f.mark(id, func(m *model.Message) **time.Time { return &m.ArchivedAt })
}

func (f *fakeMessages) mark(id string, field func(*model.Message) **time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failIDs[id]; err != nil {
		return false, err
	}
	m, ok := f.msgs[id]
	if !ok {
		return false, nil
	}
	p := field(m)
	if *p != nil {
		return false, nil
	}
	now := time.Now()
	*p = &now
	return true, nil
}

func (f *fakeMessages) Purge(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failIDs[id]; err != nil {
		return false, err
	}
	if _, ok := f.msgs[id]; !ok {
		return false, nil
	}
	delete(f.msgs, id)
	return true, nil
}

func (f *fakeMessages) roomOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[id]; ok {
		return m.RoomID
	}
	return ""
}

// --- audit log ---

// fakeAuditLog повторяет уникальность seq и prev_hash.
// interfere — сколько раз перед вставкой «конкурент» успеет занять хвост.
type fakeAuditLog struct {
	mu        sync.Mutex
	entries   []model.AuditEntry
	interfere int
	tailErr   error
}

func (f *fakeAuditLog) tailLocked() chain.Tail {
	if len(f.entries) == 0 {
		return chain.Genesis()
	}
	last := f.entries[len(f.entries)-1]
	return chain.Tail{Seq: last.Seq, Hash: last.Hash}
}

func (f *fakeAuditLog) Tail(_ context.Context) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tailErr != nil {
		return 0, "", f.tailErr
	}
	if len(f.entries) == 0 {
		return 0, "", repository.ErrNotFound
	}
	t := f.tailLocked()
	return t.Seq, t.Hash, nil
}

func (f *fakeAuditLog) Insert(_ context.Context, e *model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.interfere > 0 {
		f.interfere--
		other, _ := chain.Link(f.tailLocked(), model.AuditEvent{EventType: "concurrent.writer"}, time.Now())
		other.ID = uuid.NewString()
		f.entries = append(f.entries, *other)
	}

	tail := f.tailLocked()
	if e.Seq != tail.Seq+1 || e.PrevHash != tail.Hash {
		return repository.ErrConflict
	}
	e.ID = uuid.NewString()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAuditLog) GetBySeq(_ context.Context, seq int64) (*model.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].Seq == seq {
			e := f.entries[i]
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeAuditLog) Range(_ context.Context, from, to int64, limit int) ([]model.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range f.entries {
		if e.Seq >= from && e.Seq <= to && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditLog) byType(eventType string) []model.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range f.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeAuditLog) tamper(seq int64, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].Seq == seq {
			f.entries[i].Payload = []byte(payload)
		}
	}
}

// --- retention ---

type fakeRetention struct {
	mu      sync.Mutex
	entries map[string]*model.RetentionEntry
}

func newFakeRetention() *fakeRetention {
	return &fakeRetention{entries: map[string]*model.RetentionEntry{}}
}

func (f *fakeRetention) Schedule(_ context.Context, e *model.RetentionEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.entries {
		active := x.Status == "pending" || x.Status == "in_progress" || x.Status == "blocked"
		if active && x.ResourceType == e.ResourceType && x.ResourceID == e.ResourceID && x.Action == e.Action {
			return repository.ErrConflict
		}
	}
	e.ID = uuid.NewString()
	e.Status = string(lifecycle.StatusPending)
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeRetention) Get(_ context.Context, id string) (*model.RetentionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRetention) Claim(_ context.Context, worker string, now time.Time, limit int) ([]*model.RetentionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ready []*model.RetentionEntry
	for _, e := range f.entries {
		if e.Status == "pending" && !e.ScheduledFor.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ScheduledFor.Before(ready[j].ScheduledFor) })
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]*model.RetentionEntry, 0, len(ready))
	for _, e := range ready {
		w := worker
		at := time.Now()
		e.Status = string(lifecycle.StatusInProgress)
		e.ClaimedBy = &w
		e.ClaimedAt = &at
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRetention) Transition(_ context.Context, id string, from, to lifecycle.Status, upd repository.TransitionUpdate) (*model.RetentionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok || e.Status != string(from) {
		return nil, repository.ErrConflict
	}
	e.Status = string(to)
	if upd.IncrementAttempts {
		e.Attempts++
	}
	if upd.LastError != nil {
		msg := *upd.LastError
		e.LastError = &msg
	}
	if to == lifecycle.StatusPending {
		e.ClaimedBy, e.ClaimedAt = nil, nil
	}
	e.UpdatedAt = time.Now()
	if to == lifecycle.StatusCompleted {
		at := e.UpdatedAt
		e.CompletedAt = &at
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRetention) RequeueStale(_ context.Context, before time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, e := range f.entries {
		if e.Status == "in_progress" && e.ClaimedAt != nil && e.ClaimedAt.Before(before) {
			e.Status = "pending"
			e.ClaimedBy, e.ClaimedAt = nil, nil
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (f *fakeRetention) ReleaseClaims(_ context.Context, worker string, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		e, ok := f.entries[id]
		if ok && e.Status == "in_progress" && e.ClaimedBy != nil && *e.ClaimedBy == worker {
			e.Status = "pending"
			e.ClaimedBy, e.ClaimedAt = nil, nil
			n++
		}
	}
	return n, nil
}

func (f *fakeRetention) RetryFailed(_ context.Context, notAfter time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, e := range f.entries {
		if len(ids) >= limit {
			break
		}
		if e.Status == "failed" && e.Attempts < e.MaxAttempts && !e.UpdatedAt.After(notAfter) {
			e.Status = "pending"
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (f *fakeRetention) ListByStatus(_ context.Context, status lifecycle.Status, after *repository.ListCursor, limit int) ([]*model.RetentionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*model.RetentionEntry
	for _, e := range f.entries {
		if e.Status != string(status) {
			continue
		}
		if after != nil {
			if e.UpdatedAt.Before(after.UpdatedAt) ||
				(e.UpdatedAt.Equal(after.UpdatedAt) && e.ID <= after.ID) {
				continue
			}
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*model.RetentionEntry, 0, len(matched))
	for _, e := range matched {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRetention) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[id].Status
}

// --- legal holds ---

type fakeHolds struct {
	mu     sync.Mutex
	holds  map[string]*model.LegalHold
	roomOf func(messageID string) string
}

func newFakeHolds(roomOf func(string) string) *fakeHolds {
	return &fakeHolds{holds: map[string]*model.LegalHold{}, roomOf: roomOf}
}

func (f *fakeHolds) Create(_ context.Context, h *model.LegalHold) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.ID = uuid.NewString()
	h.Active = true
	h.CreatedAt = time.Now()
	cp := *h
	f.holds[h.ID] = &cp
	return nil
}

func (f *fakeHolds) Get(_ context.Context, id string) (*model.LegalHold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (f *fakeHolds) Release(_ context.Context, id string) (*model.LegalHold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !h.Active {
		return nil, repository.ErrConflict
	}
	now := time.Now()
	h.Active = false
	h.ReleasedAt = &now
	cp := *h
	return &cp, nil
}

func (f *fakeHolds) List(_ context.Context, activeOnly bool, limit, offset int) ([]*model.LegalHold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.LegalHold
	for _, h := range f.holds {
		if activeOnly && !h.Active {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeHolds) IsHeld(_ context.Context, resourceType, resourceID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := ""
	if resourceType == model.ResourceMessage && f.roomOf != nil {
		room = f.roomOf(resourceID)
	}
	for _, h := range f.holds {
		if !h.InEffect(now) {
			continue
		}
		if h.ResourceType == resourceType && h.ResourceID == resourceID {
			return true, nil
		}
		if room != "" && h.ResourceType == model.ResourceRoom && h.ResourceID == room {
			return true, nil
		}
	}
	return false, nil
}

// --- healing log ---

type fakeHealing struct {
	mu      sync.Mutex
	entries []*model.HealingEntry
	err     error
	// listDeadline — дедлайн контекста последнего вызова List
	listDeadline time.Time
}

func (f *fakeHealing) Insert(ctx context.Context, e *model.HealingEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.ID = uuid.NewString()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeHealing) List(ctx context.Context, entryType string, limit, offset int) ([]*model.HealingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listDeadline, _ = ctx.Deadline()
	var out []*model.HealingEntry
	for _, e := range f.entries {
		if entryType == "" || e.Type == entryType {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeHealing) count(entryType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.Type == entryType {
			n++
		}
	}
	return n
}
