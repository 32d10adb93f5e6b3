package state

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"empirectl/internal/protocol"
	"empirectl/internal/testutil/testlog"
)

func rawArea(typ, x, y, id int64, name string) []json.RawMessage {
	area := make([]json.RawMessage, 11)
	for i := range area {
		area[i] = json.RawMessage("0")
	}
	area[areaIdxType] = json.RawMessage(fmt.Sprintf("%d", typ))
	area[areaIdxX] = json.RawMessage(fmt.Sprintf("%d", x))
	area[areaIdxY] = json.RawMessage(fmt.Sprintf("%d", y))
	area[areaIdxID] = json.RawMessage(fmt.Sprintf("%d", id))
	area[areaIdxName] = json.RawMessage(fmt.Sprintf("%q", name))
	return area
}

func wireMovement(mid, oid int64) protocol.MovementWrapper {
	return protocol.MovementWrapper{
		M: protocol.MovementBody{
			MID: mid,
			T:   MovementTypeAttack,
			OID: oid,
			TID: 700 + mid,
			SID: 800 + mid,
			KID: 0,
			PT:  100,
			TT:  600,
			TA:  rawArea(1, 120, 45, 700+mid, "Target Keep"),
			SA:  rawArea(1, 60, 30, 800+mid, "Source Keep"),
		},
		UM: map[string]int{"u616": 200},
		GS: &protocol.CarriedGoods{Wood: 10, Stone: 5, Food: 1},
	}
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.events = append(r.events, e)
}

func newTestTracker() (*Tracker, *Store, *eventRecorder) {
	store := NewStore()
	rec := &eventRecorder{}
	return NewTracker(store, rec.record), store, rec
}

func TestSnapshotOmissionNeverRemovesMovement(t *testing.T) {
	testlog.Start(t)
	tr, store, _ := newTestTracker()
	now := time.Now()

	tr.ApplySnapshot(protocol.MovementSnapshot{
		Movements: []protocol.MovementWrapper{wireMovement(1, 100), wireMovement(2, 100)},
	}, now)

	// Movement 1 drops out of the next listing. That means nothing.
	tr.ApplySnapshot(protocol.MovementSnapshot{
		Movements: []protocol.MovementWrapper{wireMovement(2, 100)},
	}, now.Add(time.Minute))

	m1, ok := store.Movement(1)
	if !ok {
		t.Fatal("movement 1 removed by snapshot omission")
	}
	if m1.State != MovementActive {
		t.Fatalf("movement 1 state %v, want active", m1.State)
	}
}

func TestTerminalTransitionIsForwardOnly(t *testing.T) {
	testlog.Start(t)
	tr, store, rec := newTestTracker()
	now := time.Now()

	tr.ApplySnapshot(protocol.MovementSnapshot{
		Movements: []protocol.MovementWrapper{wireMovement(7, 100)},
	}, now)

	tr.Terminate(7, MovementArrived)
	tr.Terminate(7, MovementArrived)
	tr.Terminate(7, MovementRecalled)

	if _, ok := store.Movement(7); ok {
		t.Fatal("terminal movement still in store")
	}
	if st, ok := tr.Ended(7); !ok || st != MovementArrived {
		t.Fatalf("ended state %v/%v, want arrived (first terminal wins)", st, ok)
	}

	// One creation event plus exactly one transition event; the repeats
	// and the conflicting terminal stay silent.
	if len(rec.events) != 2 {
		t.Fatalf("got %d events, want 2", len(rec.events))
	}
	if !rec.events[0].New {
		t.Fatal("first event should mark first sight")
	}
	if rec.events[1].Previous != MovementActive || rec.events[1].Movement.State != MovementArrived {
		t.Fatalf("transition event %+v", rec.events[1])
	}
}

func TestLateListingCannotReviveTerminalMovement(t *testing.T) {
	testlog.Start(t)
	tr, store, rec := newTestTracker()
	now := time.Now()

	tr.ApplyUpdate(protocol.MovementUpdate{
		Movements: []protocol.MovementWrapper{wireMovement(3, 100)},
	}, now)
	tr.Terminate(3, MovementCancelled)

	late := wireMovement(3, 100)
	late.M.TT = 9999
	tr.ApplySnapshot(protocol.MovementSnapshot{
		Movements: []protocol.MovementWrapper{late},
	}, now.Add(time.Second))

	if _, ok := store.Movement(3); ok {
		t.Fatal("stale listing revived an ended movement")
	}
	// Creation plus the cancellation; the stale listing is silent.
	if len(rec.events) != 2 {
		t.Fatalf("got %d events, want 2", len(rec.events))
	}
}

func TestTerminalForUnknownMovementIsNoOp(t *testing.T) {
	testlog.Start(t)
	tr, store, rec := newTestTracker()

	tr.Terminate(999, MovementArrived)

	if _, ok := store.Movement(999); ok {
		t.Fatal("unknown-ID terminal created a movement")
	}
	if len(rec.events) != 0 {
		t.Fatalf("unknown-ID terminal emitted %d events", len(rec.events))
	}
}

func TestSnapshotEnrichesOwnerAndAreas(t *testing.T) {
	testlog.Start(t)
	tr, store, _ := newTestTracker()

	tr.ApplySnapshot(protocol.MovementSnapshot{
		Movements: []protocol.MovementWrapper{wireMovement(5, 100)},
		Owners:    []protocol.OwnerInfo{{OID: 100, Name: "DarkLord", AllianceName: "The Horde"}},
	}, time.Now())

	m, _ := store.Movement(5)
	if m.OwnerName != "DarkLord" || m.OwnerAlliance != "The Horde" {
		t.Fatalf("owner enrichment missing: %+v", m)
	}
	if m.ProgressSeconds != 100 || m.TotalSeconds != 600 || m.Remaining() != 500 {
		t.Fatalf("progress fields not carried over: %+v", m)
	}
	if m.Target.Name != "Target Keep" || m.Target.X != 120 || m.Target.Y != 45 {
		t.Fatalf("target area %+v", m.Target)
	}
	if m.Units["u616"] != 200 || m.Goods == nil || m.Goods.Wood != 10 {
		t.Fatalf("units/goods not carried over: %+v", m)
	}

	p, ok := store.Player(100)
	if !ok || p.Name != "DarkLord" {
		t.Fatalf("owner not upserted as player: %+v", p)
	}
	if obj, ok := store.MapObject(705); !ok || obj.Name != "Target Keep" {
		t.Fatalf("target area not registered as map object: %+v", obj)
	}
}

func TestUpdateCreatesThenRefreshesWithoutDuplicateEvents(t *testing.T) {
	testlog.Start(t)
	tr, store, rec := newTestTracker()
	now := time.Now()

	tr.ApplyUpdate(protocol.MovementUpdate{
		Movements: []protocol.MovementWrapper{wireMovement(9, 100)},
	}, now)
	refreshed := wireMovement(9, 100)
	refreshed.M.PT = 300
	tr.ApplyUpdate(protocol.MovementUpdate{
		Movements: []protocol.MovementWrapper{refreshed},
	}, now.Add(time.Second))

	if len(rec.events) != 1 {
		t.Fatalf("got %d events, want only the creation event", len(rec.events))
	}
	m, _ := store.Movement(9)
	if m.ProgressSeconds != 300 || m.Remaining() != 300 {
		t.Fatal("refresh did not advance the march progress")
	}
	if !m.LastSeen.After(m.FirstSeen) {
		t.Fatal("LastSeen not advanced by refresh")
	}
}

func TestArrivalRemovesMovementWithSingleEvent(t *testing.T) {
	testlog.Start(t)
	tr, store, rec := newTestTracker()
	now := time.Now()

	tr.ApplySnapshot(protocol.MovementSnapshot{
		Movements: []protocol.MovementWrapper{wireMovement(5, 100)},
	}, now)
	tr.ApplySnapshot(protocol.MovementSnapshot{
		Movements: []protocol.MovementWrapper{wireMovement(5, 100)},
	}, now)

	tr.Terminate(5, MovementArrived)

	if _, ok := store.Movement(5); ok {
		t.Fatal("arrived movement not removed")
	}
	transitions := 0
	for _, e := range rec.events {
		if !e.New {
			transitions++
			if e.Previous != MovementActive || e.Movement.State != MovementArrived {
				t.Fatalf("transition event %+v", e)
			}
		}
	}
	if transitions != 1 {
		t.Fatalf("got %d transition events, want exactly 1", transitions)
	}
}

func TestIdenticalMergeFiresNoChangeCallback(t *testing.T) {
	testlog.Start(t)
	tr, store, _ := newTestTracker()
	changes := 0
	store.OnChange(func(_ int64, kind EntityKind) {
		if kind == KindMovement {
			changes++
		}
	})
	now := time.Now()

	tr.ApplyUpdate(protocol.MovementUpdate{
		Movements: []protocol.MovementWrapper{wireMovement(6, 100)},
	}, now)
	if changes != 1 {
		t.Fatalf("creation fired %d movement callbacks, want 1", changes)
	}

	// Identical listing: LastSeen advances, nothing observable changes.
	tr.ApplyUpdate(protocol.MovementUpdate{
		Movements: []protocol.MovementWrapper{wireMovement(6, 100)},
	}, now.Add(time.Second))
	if changes != 1 {
		t.Fatalf("identical merge fired a change callback (%d total)", changes)
	}

	bumped := wireMovement(6, 100)
	bumped.M.PT = 250
	tr.ApplyUpdate(protocol.MovementUpdate{
		Movements: []protocol.MovementWrapper{bumped},
	}, now.Add(2*time.Second))
	if changes != 2 {
		t.Fatalf("progress bump not observed (%d callbacks)", changes)
	}
}

func TestPruneForgetsOldTerminalIDs(t *testing.T) {
	testlog.Start(t)
	tr, store, _ := newTestTracker()
	now := time.Now()

	tr.ApplyUpdate(protocol.MovementUpdate{
		Movements: []protocol.MovementWrapper{wireMovement(1, 100), wireMovement(2, 100)},
	}, now)
	tr.Terminate(1, MovementArrived)

	// The memory is fresh, so a cutoff in the past forgets nothing and the
	// stale-listing shield still holds.
	if n := tr.Prune(now.Add(-time.Minute)); n != 0 {
		t.Fatalf("pruned %d with old cutoff, want 0", n)
	}
	tr.ApplySnapshot(protocol.MovementSnapshot{
		Movements: []protocol.MovementWrapper{wireMovement(1, 100)},
	}, now)
	if _, ok := store.Movement(1); ok {
		t.Fatal("movement revived while terminal memory held")
	}

	if n := tr.Prune(time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := store.Movement(2); !ok {
		t.Fatal("active movement lost")
	}
}
