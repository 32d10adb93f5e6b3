package state

import (
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"empirectl/internal/protocol"
)

// Area array element positions used by the server.
const (
	areaIdxType = 0
	areaIdxX    = 1
	areaIdxY    = 2
	areaIdxID   = 3
	areaIdxName = 10
)

// Event is one movement lifecycle notification. New marks first sight;
// otherwise the movement just transitioned from Previous to its current
// state. For terminal transitions the movement is already removed from the
// store when the event fires; the Movement copy is the last word on it.
type Event struct {
	Movement Movement
	Previous MovementState
	New      bool
}

// Tracker owns the movement lifecycle. All movement writes go through it,
// serialized by its lock, so state transitions are atomic and forward-only.
//
// Snapshots and updates are listings, not events: a movement absent from a
// snapshot stays exactly as it was. Only an explicit terminal command ends
// a movement; it is notified, removed, and its ID remembered so a stale
// listing cannot resurrect it as active.
type Tracker struct {
	store *Store
	emit  func(Event)

	mu       sync.Mutex
	terminal map[int64]terminalRecord
}

type terminalRecord struct {
	state MovementState
	at    time.Time
}

func NewTracker(store *Store, emit func(Event)) *Tracker {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Tracker{
		store:    store,
		emit:     emit,
		terminal: make(map[int64]terminalRecord),
	}
}

// ApplySnapshot merges a full movement listing (gam).
func (t *Tracker) ApplySnapshot(snap protocol.MovementSnapshot, now time.Time) {
	owners := make(map[int64]protocol.OwnerInfo, len(snap.Owners))
	for _, o := range snap.Owners {
		owners[o.OID] = o
		t.store.UpsertPlayer(Player{ID: o.OID, Name: o.Name, AllianceName: o.AllianceName})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range snap.Movements {
		t.mergeLocked(w, owners, now)
	}
}

// ApplyUpdate merges a realtime movement push (mov).
func (t *Tracker) ApplyUpdate(upd protocol.MovementUpdate, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range upd.Movements {
		t.mergeLocked(w, nil, now)
	}
}

// Terminate applies an explicit terminal command: transition, notify, then
// remove. Unknown IDs are a no-op since a terminal for a movement never
// tracked carries no usable state. Repeats for an already-ended ID are
// silent, and the first terminal wins.
func (t *Tracker) Terminate(id int64, to MovementState) {
	if !to.Terminal() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.terminal[id]; done {
		return
	}

	var ev *Event
	known := t.store.updateMovement(id, func(m *Movement) bool {
		prev := m.State
		m.State = to
		ev = &Event{Movement: m.clone(), Previous: prev}
		return true
	})
	if !known {
		log.Debug().Int64("movement_id", id).Str("to", to.String()).
			Msg("terminal for unknown movement ignored")
		return
	}

	t.emit(*ev)
	t.store.Remove(KindMovement, id)
	t.terminal[id] = terminalRecord{state: to, at: time.Now()}
}

// Ended reports how a recently ended movement finished, while its ID is
// still remembered.
func (t *Tracker) Ended(id int64) (MovementState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.terminal[id]
	return rec.state, ok
}

// Prune forgets terminal IDs recorded before cutoff, bounding the memory
// that shields ended movements from stale listings.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, rec := range t.terminal {
		if rec.at.Before(cutoff) {
			delete(t.terminal, id)
			n++
		}
	}
	return n
}

// mergeLocked folds one wire movement into the store. An ended movement is
// gone for good: listings that still carry its ID are stale and ignored.
func (t *Tracker) mergeLocked(w protocol.MovementWrapper, owners map[int64]protocol.OwnerInfo, now time.Time) {
	if w.M.MID == 0 {
		return
	}
	if _, done := t.terminal[w.M.MID]; done {
		return
	}

	source, hasSource := parseArea(w.M.SA)
	target, hasTarget := parseArea(w.M.TA)
	if hasSource {
		t.registerArea(source)
	}
	if hasTarget {
		t.registerArea(target)
	}

	apply := func(m *Movement) bool {
		before := keyOf(m)
		unitsBefore := m.Units
		goodsBefore := m.Goods

		m.Type = w.M.T
		m.ProgressSeconds = w.M.PT
		m.Direction = w.M.D
		m.OwnerID = w.M.OID
		m.TargetID = w.M.TID
		m.SourceID = w.M.SID
		m.KingdomID = w.M.KID
		m.TotalSeconds = w.M.TT
		m.LastSeen = now

		if hasSource {
			m.Source = source
		}
		if hasTarget {
			m.Target = target
		}
		if len(w.UM) > 0 {
			units := make(map[string]int, len(w.UM))
			for k, v := range w.UM {
				units[k] = v
			}
			m.Units = units
		}
		if w.GS != nil {
			m.Goods = &Goods{Wood: w.GS.Wood, Stone: w.GS.Stone, Food: w.GS.Food}
		}
		if o, ok := owners[m.OwnerID]; ok {
			m.OwnerName = o.Name
			m.OwnerAlliance = o.AllianceName
		}

		return keyOf(m) != before ||
			!maps.Equal(m.Units, unitsBefore) ||
			!goodsEqual(m.Goods, goodsBefore)
	}

	if t.store.updateMovement(w.M.MID, apply) {
		return
	}

	fresh := &Movement{ID: w.M.MID, State: MovementActive, FirstSeen: now}
	apply(fresh)
	t.store.putMovement(fresh)
	t.emit(Event{Movement: fresh.clone(), Previous: MovementActive, New: true})
}

// movementKey is a comparable projection of Movement, leaving out the
// reference fields (units, goods) and the LastSeen bookkeeping stamp so
// idempotent merges compare equal.
type movementKey struct {
	typ, progress, total, direction int
	state                           MovementState
	owner, target, source           int64
	kingdom                         int
	sourceArea, targetArea          Area
	ownerName, ownerAlliance        string
}

func keyOf(m *Movement) movementKey {
	return movementKey{
		typ:           m.Type,
		progress:      m.ProgressSeconds,
		total:         m.TotalSeconds,
		direction:     m.Direction,
		state:         m.State,
		owner:         m.OwnerID,
		target:        m.TargetID,
		source:        m.SourceID,
		kingdom:       m.KingdomID,
		sourceArea:    m.Source,
		targetArea:    m.Target,
		ownerName:     m.OwnerName,
		ownerAlliance: m.OwnerAlliance,
	}
}

func goodsEqual(a, b *Goods) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func (t *Tracker) registerArea(a Area) {
	if a.ID == 0 {
		return
	}
	t.store.UpsertMapObject(MapObject{ID: a.ID, TypeID: a.TypeID, X: a.X, Y: a.Y, Name: a.Name})
}

func parseArea(raw []json.RawMessage) (Area, bool) {
	if len(raw) == 0 {
		return Area{}, false
	}
	var a Area
	a.ID, _ = protocol.AreaInt(raw, areaIdxID)
	a.TypeID, _ = protocol.AreaInt(raw, areaIdxType)
	a.X, _ = protocol.AreaInt(raw, areaIdxX)
	a.Y, _ = protocol.AreaInt(raw, areaIdxY)
	a.Name, _ = protocol.AreaString(raw, areaIdxName)
	return a, a.ID != 0 || a.X != 0 || a.Y != 0
}
