// Package view maintains the optimistic claw list a UI renders: enqueued
// mutations apply to it immediately, and engine lifecycle events later
// confirm them (merging server truth) or roll them back (restoring the
// exact pre-mutation state).
package view

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/clawapp/clawsync/internal/bus"
	"github.com/clawapp/clawsync/internal/txn"
)

// SyncState is a claw's relationship to server truth.
type SyncState string

const (
	// SyncStateSynced means the row matches the server.
	SyncStateSynced SyncState = "synced"

	// SyncStatePending means at least one mutation on the row has not yet
	// reached a terminal state.
	SyncStatePending SyncState = "pending"
)

// DefaultTTL is how long an optimistic capture is shown as valid before the
// server's real expiry replaces it.
const DefaultTTL = 7 * 24 * time.Hour

// Claw is one captured intention as the UI sees it.
type Claw struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	ContentType  string     `json:"content_type"`
	Title        string     `json:"title,omitempty"`
	Category     string     `json:"category,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Status       string     `json:"status"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	SurfaceCount int        `json:"surface_count"`

	// Optimistic marks a row whose identity is still client-assigned.
	Optimistic bool `json:"optimistic"`

	SyncState SyncState `json:"sync_state"`
}

// Claw status values. These are the backend's ClawResponse strings: the
// server sets "completed" on strike and "expired" on release, and mergeFields
// passes server status through verbatim, so the optimistic apply must use
// the same vocabulary or one list would show two names for one state.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// EventSource is the slice of the engine the store subscribes to.
// Implemented by *engine.Engine and, in tests, by *bus.Bus.
type EventSource interface {
	On(event bus.Event, fn bus.Handler) func()
}

// pendingEntity tracks in-flight mutations against one claw. The baseline
// is the exact pre-mutation snapshot taken when the first mutation applied;
// overlapping mutations share it, so a rollback restores the state before
// any of them.
type pendingEntity struct {
	baseline Claw
	count    int
}

// Store is the in-memory optimistic claw list.
type Store struct {
	mu      sync.Mutex
	claws   map[string]*Claw
	order   []string          // insertion order of claw ids for List
	aliases map[string]string // optimistic id -> confirmed id, kept forever
	pending map[string]*pendingEntity
	unsubs  []func()
	clock   func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		claws:   make(map[string]*Claw),
		aliases: make(map[string]string),
		pending: make(map[string]*pendingEntity),
		clock:   time.Now,
	}
}

// Attach subscribes the store to engine lifecycle events. Call Detach to
// unsubscribe.
func (s *Store) Attach(src EventSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs,
		src.On(bus.EventConfirmed, s.handleConfirmed),
		src.On(bus.EventFailed, s.handleFailed),
	)
}

// Detach removes all event subscriptions.
func (s *Store) Detach() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Put seeds or replaces a claw from an authoritative source, such as the
// initial server list fetch. Rows with in-flight mutations are left alone
// so optimistic edits are not clobbered by a stale fetch.
func (s *Store) Put(c Claw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.resolveLocked(c.ID)
	if s.pending[id] != nil {
		return
	}
	if c.SyncState == "" {
		c.SyncState = SyncStateSynced
	}
	s.insertLocked(id, c)
}

// Get returns the claw for id, resolving optimistic ids that have since
// been confirmed.
func (s *Store) Get(id string) (Claw, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claws[s.resolveLocked(id)]
	if !ok {
		return Claw{}, false
	}
	return *c, true
}

// List returns all claws in insertion order.
func (s *Store) List() []Claw {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Claw, 0, len(s.order))
	for _, id := range s.order {
		if c, ok := s.claws[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// Len returns the number of claws.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claws)
}

// ApplyOptimistic applies an enqueued transaction to the local list before
// any network attempt. A capture injects a new optimistic row; a mutation
// edits its target in place after snapshotting the pre-mutation state so a
// later failure can restore it exactly.
func (s *Store) ApplyOptimistic(t txn.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Type == txn.TypeCapture {
		return s.applyCaptureLocked(t)
	}

	id := s.resolveLocked(t.Payload.TargetID())
	c, ok := s.claws[id]
	if !ok {
		return fmt.Errorf("apply %s: claw %s not in view", t.Type, t.Payload.TargetID())
	}

	ent := s.pending[id]
	if ent == nil {
		baseline, err := cloneClaw(*c)
		if err != nil {
			return fmt.Errorf("snapshot claw %s: %w", id, err)
		}
		ent = &pendingEntity{baseline: baseline}
		s.pending[id] = ent
	} else {
		// Overlapping mutations on one entity: the later write wins the
		// visible state, the first snapshot stays the rollback baseline.
		slog.Warn("overlapping optimistic mutations on one claw",
			"claw", id,
			"type", string(t.Type),
			"in_flight", ent.count,
		)
	}
	ent.count++

	s.mutateLocked(c, t)
	return nil
}

func (s *Store) applyCaptureLocked(t txn.Transaction) error {
	p, ok := t.Payload.(*txn.CapturePayload)
	if !ok {
		return fmt.Errorf("apply capture: unexpected payload %T", t.Payload)
	}
	if t.OptimisticID == "" {
		return fmt.Errorf("apply capture: transaction %s has no optimistic id", t.ID)
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	s.insertLocked(t.OptimisticID, Claw{
		ID:          t.OptimisticID,
		Content:     p.Content,
		ContentType: p.ContentType,
		Status:      StatusActive,
		ExpiresAt:   created.Add(DefaultTTL),
		Optimistic:  true,
		SyncState:   SyncStatePending,
	})
	return nil
}

// mutateLocked applies the optimistic effect of one mutation type.
func (s *Store) mutateLocked(c *Claw, t txn.Transaction) {
	switch p := t.Payload.(type) {
	case *txn.StrikePayload:
		now := s.clock()
		c.Status = StatusCompleted
		c.CompletedAt = &now
	case *txn.ReleasePayload:
		now := s.clock()
		c.Status = StatusExpired
		c.CompletedAt = &now
	case *txn.ExtendPayload:
		c.ExpiresAt = c.ExpiresAt.Add(time.Duration(p.Days) * 24 * time.Hour)
	}
	c.SyncState = SyncStatePending
}

func (s *Store) handleConfirmed(env bus.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := env.Transaction
	if t.Type == txn.TypeCapture {
		s.confirmCaptureLocked(t, env.Result)
		return
	}

	id := s.resolveLocked(t.Payload.TargetID())
	c, ok := s.claws[id]
	if !ok {
		slog.Warn("confirmation for unknown claw", "claw", t.Payload.TargetID(), "txn", t.ID)
		return
	}
	if env.Result != nil {
		mergeFields(c, env.Result.Fields)
	}
	s.settleLocked(id, c)
}

// confirmCaptureLocked swaps the optimistic id for the server id and merges
// server-enriched fields. A duplicate confirmation finds the alias already
// recorded and changes nothing.
func (s *Store) confirmCaptureLocked(t txn.Transaction, result *txn.Result) {
	confirmedID := t.ConfirmedID
	if confirmedID == "" && result != nil {
		confirmedID = result.ConfirmedID
	}
	if confirmedID == "" {
		slog.Warn("capture confirmed without a server id", "txn", t.ID)
		return
	}

	if s.aliases[t.OptimisticID] == confirmedID {
		return // duplicate confirmation
	}

	c, ok := s.claws[t.OptimisticID]
	if !ok {
		slog.Warn("confirmation for unknown capture", "optimistic_id", t.OptimisticID)
		return
	}

	delete(s.claws, t.OptimisticID)
	s.aliases[t.OptimisticID] = confirmedID
	c.ID = confirmedID
	s.claws[confirmedID] = c
	for i, id := range s.order {
		if id == t.OptimisticID {
			s.order[i] = confirmedID
			break
		}
	}
	if ent, ok := s.pending[t.OptimisticID]; ok {
		delete(s.pending, t.OptimisticID)
		s.pending[confirmedID] = ent
	}

	if result != nil {
		mergeFields(c, result.Fields)
	}

	// The row's identity is now real. In-flight mutations on it keep their
	// pending slot (and rollback baseline) until they settle themselves.
	c.Optimistic = false
	if s.pending[confirmedID] == nil {
		c.SyncState = SyncStateSynced
	}
}

// settleLocked records one in-flight mutation reaching a terminal success
// state, clearing the optimistic flag when nothing else is pending.
func (s *Store) settleLocked(id string, c *Claw) {
	if ent := s.pending[id]; ent != nil {
		ent.count--
		if ent.count > 0 {
			return
		}
		delete(s.pending, id)
	}
	c.Optimistic = false
	c.SyncState = SyncStateSynced
}

func (s *Store) handleFailed(env bus.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := env.Transaction
	if t.Type == txn.TypeCapture {
		// The entity never existed server-side; the optimistic row goes.
		s.removeLocked(t.OptimisticID)
		slog.Info("optimistic capture rolled back", "optimistic_id", t.OptimisticID, "txn", t.ID)
		return
	}

	id := s.resolveLocked(t.Payload.TargetID())
	ent := s.pending[id]
	if ent == nil {
		slog.Warn("failure for claw with no pending mutations", "claw", id, "txn", t.ID)
		return
	}

	// Restore the exact pre-mutation state. Overlapping mutations all roll
	// back to the shared baseline. If the row's identity was confirmed
	// while the mutation was in flight, the confirmed id survives the
	// rollback.
	restored := ent.baseline
	if restored.ID != id {
		restored.ID = id
		restored.Optimistic = false
	}
	s.claws[id] = &restored
	delete(s.pending, id)
	slog.Info("optimistic mutation rolled back",
		"claw", id,
		"type", string(t.Type),
		"discarded_writes", ent.count,
	)
}

func (s *Store) insertLocked(id string, c Claw) {
	if _, exists := s.claws[id]; !exists {
		s.order = append(s.order, id)
	}
	c.ID = id
	s.claws[id] = &c
}

func (s *Store) removeLocked(id string) {
	id = s.resolveLocked(id)
	if _, ok := s.claws[id]; !ok {
		return
	}
	delete(s.claws, id)
	delete(s.pending, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// resolveLocked follows the optimistic→confirmed alias chain.
func (s *Store) resolveLocked(id string) string {
	for {
		next, ok := s.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
}

// cloneClaw deep-copies a claw by round-tripping it through msgpack, so the
// snapshot shares no slices or pointers with the live row.
func cloneClaw(c Claw) (Claw, error) {
	raw, err := msgpack.Marshal(&c)
	if err != nil {
		return Claw{}, err
	}
	var out Claw
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return Claw{}, err
	}
	// msgpack decodes timestamps in the local zone; keep them in UTC so a
	// restored snapshot compares equal to the state it was taken from.
	out.ExpiresAt = out.ExpiresAt.UTC()
	if out.CompletedAt != nil {
		utc := out.CompletedAt.UTC()
		out.CompletedAt = &utc
	}
	return out, nil
}

// mergeFields folds server-returned attributes into a claw. Unknown keys
// are ignored; the server may add fields this client predates.
func mergeFields(c *Claw, fields map[string]any) {
	for key, val := range fields {
		switch key {
		case "title":
			if v, ok := val.(string); ok {
				c.Title = v
			}
		case "category":
			if v, ok := val.(string); ok {
				c.Category = v
			}
		case "tags":
			c.Tags = toStrings(val)
		case "status":
			if v, ok := val.(string); ok {
				c.Status = v
			}
		case "content":
			if v, ok := val.(string); ok {
				c.Content = v
			}
		case "expires_at", "new_expiry":
			// Capture responses carry expires_at; the extend endpoint
			// answers {message, new_expiry}. Both replace the optimistic
			// estimate, which the server computed from its own clock.
			if ts, ok := toTime(val); ok {
				c.ExpiresAt = ts
			}
		case "completed_at":
			if ts, ok := toTime(val); ok {
				c.CompletedAt = &ts
			}
		case "surface_count":
			if n, ok := toInt(val); ok {
				c.SurfaceCount = n
			}
		}
	}
}

func toStrings(val any) []string {
	switch v := val.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toTime(val any) (time.Time, bool) {
	switch v := val.(type) {
	case time.Time:
		return v, true
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

func toInt(val any) (int, bool) {
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
