package state

import (
	"sync"
)

// ChangeFunc observes entity mutations. Invoked outside the store lock, so
// the callback may read the store freely.
type ChangeFunc func(id int64, kind EntityKind)

// Store is the identity map. Each entity ID maps to exactly one stored
// record for the life of the store; updates merge field-wise into that
// record and never replace it wholesale, so partial pushes cannot blank
// fields a fuller push already filled.
//
// Idempotent upserts are silent: the change callback fires only when a
// merge actually altered the record.
type Store struct {
	mu        sync.RWMutex
	players   map[int64]*Player
	castles   map[int64]*Castle
	objects   map[int64]*MapObject
	movements map[int64]*Movement
	onChange  ChangeFunc
}

func NewStore() *Store {
	return &Store{
		players:   make(map[int64]*Player),
		castles:   make(map[int64]*Castle),
		objects:   make(map[int64]*MapObject),
		movements: make(map[int64]*Movement),
	}
}

// OnChange installs the mutation observer. Set once, before concurrent use.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify(changed bool, id int64, kind EntityKind) {
	if !changed {
		return
	}
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(id, kind)
	}
}

// UpsertPlayer merges p into the stored record, creating it on first sight.
// Zero-value fields in p leave the stored fields alone.
func (s *Store) UpsertPlayer(p Player) {
	if p.ID == 0 {
		return
	}
	s.mu.Lock()
	cur, ok := s.players[p.ID]
	if !ok {
		cp := p
		s.players[p.ID] = &cp
		s.mu.Unlock()
		s.notify(true, p.ID, KindPlayer)
		return
	}
	before := *cur
	if p.Name != "" {
		cur.Name = p.Name
	}
	if p.AllianceID != 0 {
		cur.AllianceID = p.AllianceID
	}
	if p.AllianceName != "" {
		cur.AllianceName = p.AllianceName
	}
	if p.Level != 0 {
		cur.Level = p.Level
	}
	if p.XP != 0 {
		cur.XP = p.XP
	}
	changed := *cur != before
	s.mu.Unlock()
	s.notify(changed, p.ID, KindPlayer)
}

func (s *Store) Player(id int64) (Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

func (s *Store) UpsertCastle(c Castle) {
	if c.ID == 0 {
		return
	}
	s.mu.Lock()
	cur, ok := s.castles[c.ID]
	if !ok {
		cp := c
		s.castles[c.ID] = &cp
		s.mu.Unlock()
		s.notify(true, c.ID, KindCastle)
		return
	}
	before := *cur
	if c.KingdomID != 0 {
		cur.KingdomID = c.KingdomID
	}
	if c.X != 0 || c.Y != 0 {
		cur.X, cur.Y = c.X, c.Y
	}
	if c.Name != "" {
		cur.Name = c.Name
	}
	if c.OwnerID != 0 {
		cur.OwnerID = c.OwnerID
	}
	if c.Wood != 0 || c.Stone != 0 || c.Food != 0 {
		cur.Wood, cur.Stone, cur.Food = c.Wood, c.Stone, c.Food
	}
	changed := *cur != before
	s.mu.Unlock()
	s.notify(changed, c.ID, KindCastle)
}

func (s *Store) Castle(id int64) (Castle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.castles[id]
	if !ok {
		return Castle{}, false
	}
	return *c, true
}

// Castles returns a copy of every known castle.
func (s *Store) Castles() []Castle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Castle, 0, len(s.castles))
	for _, c := range s.castles {
		out = append(out, *c)
	}
	return out
}

func (s *Store) UpsertMapObject(o MapObject) {
	if o.ID == 0 {
		return
	}
	s.mu.Lock()
	cur, ok := s.objects[o.ID]
	if !ok {
		cp := o
		s.objects[o.ID] = &cp
		s.mu.Unlock()
		s.notify(true, o.ID, KindMapObject)
		return
	}
	before := *cur
	if o.TypeID != 0 {
		cur.TypeID = o.TypeID
	}
	if o.X != 0 || o.Y != 0 {
		cur.X, cur.Y = o.X, o.Y
	}
	if o.Name != "" {
		cur.Name = o.Name
	}
	changed := *cur != before
	s.mu.Unlock()
	s.notify(changed, o.ID, KindMapObject)
}

func (s *Store) MapObject(id int64) (MapObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	if !ok {
		return MapObject{}, false
	}
	return *o, true
}

// Remove drops one entity. Returns whether it existed.
func (s *Store) Remove(kind EntityKind, id int64) bool {
	s.mu.Lock()
	var ok bool
	switch kind {
	case KindPlayer:
		_, ok = s.players[id]
		delete(s.players, id)
	case KindCastle:
		_, ok = s.castles[id]
		delete(s.castles, id)
	case KindMapObject:
		_, ok = s.objects[id]
		delete(s.objects, id)
	case KindMovement:
		_, ok = s.movements[id]
		delete(s.movements, id)
	}
	s.mu.Unlock()
	s.notify(ok, id, kind)
	return ok
}

// Movement writes go through the tracker, which serializes them behind its
// own lock; the store lock only guards against concurrent readers.

func (s *Store) putMovement(m *Movement) {
	s.mu.Lock()
	s.movements[m.ID] = m
	s.mu.Unlock()
	s.notify(true, m.ID, KindMovement)
}

// updateMovement runs fn on the stored record under the write lock, so
// concurrent readers never observe a half-applied mutation. fn reports
// whether it altered the record; silent no-ops stay unobservable.
func (s *Store) updateMovement(id int64, fn func(*Movement) bool) bool {
	s.mu.Lock()
	m, ok := s.movements[id]
	changed := false
	if ok {
		changed = fn(m)
	}
	s.mu.Unlock()
	s.notify(ok && changed, id, KindMovement)
	return ok
}

// Movement returns a deep copy of one tracked movement.
func (s *Store) Movement(id int64) (Movement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.movements[id]
	if !ok {
		return Movement{}, false
	}
	return m.clone(), true
}

// Movements returns deep copies of every movement matching filter. A nil
// filter matches everything.
func (s *Store) Movements(filter func(Movement) bool) []Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Movement, 0, len(s.movements))
	for _, m := range s.movements {
		if filter == nil || filter(*m) {
			out = append(out, m.clone())
		}
	}
	return out
}
