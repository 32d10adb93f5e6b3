// Package state holds the client's view of the game world: an identity map
// of entities merged from server pushes, and a movement tracker that owns
// the march lifecycle.
package state

import (
	"fmt"
	"time"
)

type EntityKind int

const (
	KindPlayer EntityKind = iota
	KindCastle
	KindMapObject
	KindMovement
)

func (k EntityKind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindCastle:
		return "castle"
	case KindMapObject:
		return "map_object"
	case KindMovement:
		return "movement"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Player is a known player, own account included.
type Player struct {
	ID           int64
	Name         string
	AllianceID   int64
	AllianceName string
	Level        int
	XP           int64
}

// Castle is an owned or observed castle area.
type Castle struct {
	ID        int64
	KingdomID int
	X         int64
	Y         int64
	Name      string
	OwnerID   int64
	Wood      float64
	Stone     float64
	Food      float64
}

// MapObject is a non-castle map area a movement references.
type MapObject struct {
	ID     int64
	TypeID int64
	X      int64
	Y      int64
	Name   string
}

// MovementState is the march lifecycle. Transitions are forward-only: a
// movement leaves Active exactly once and never returns.
type MovementState int

const (
	MovementActive MovementState = iota
	MovementArrived
	MovementRecalled
	MovementCancelled
)

func (s MovementState) String() string {
	switch s {
	case MovementActive:
		return "active"
	case MovementArrived:
		return "arrived"
	case MovementRecalled:
		return "recalled"
	case MovementCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("movement_state(%d)", int(s))
	}
}

func (s MovementState) Terminal() bool {
	return s != MovementActive
}

// Movement type values. Type 11 is the return leg of any march heading
// home; hostile marches carry the attack type on the way out.
const (
	MovementTypeAttack = 1
	MovementTypeReturn = 11
)

// Direction is relative to the logged-in player: 0 approaches the own
// holdings, 1 leaves them.
const (
	DirectionIncoming = 0
	DirectionOutgoing = 1
)

// Area is one endpoint of a movement.
type Area struct {
	ID     int64
	TypeID int64
	X      int64
	Y      int64
	Name   string
}

// Goods is the resource load a movement carries.
type Goods struct {
	Wood  int
	Stone int
	Food  int
}

// Movement is one tracked march. ProgressSeconds and TotalSeconds mirror
// the wire's PT/TT pair; snapshots refresh them as the march travels.
type Movement struct {
	ID              int64
	Type            int
	ProgressSeconds int
	TotalSeconds    int
	Direction       int
	State           MovementState

	OwnerID   int64
	TargetID  int64
	SourceID  int64
	KingdomID int

	Source Area
	Target Area

	Units map[string]int
	Goods *Goods

	OwnerName     string
	OwnerAlliance string

	FirstSeen time.Time
	LastSeen  time.Time
}

// Returning reports whether the march is a return leg heading home.
func (m Movement) Returning() bool {
	return m.Type == MovementTypeReturn
}

// Incoming reports whether the march approaches the own holdings. A return
// leg is neither incoming nor outgoing.
func (m Movement) Incoming() bool {
	return !m.Returning() && m.Direction == DirectionIncoming
}

// Outgoing reports whether the march is leaving the own holdings.
func (m Movement) Outgoing() bool {
	return !m.Returning() && m.Direction == DirectionOutgoing
}

// Remaining is the travel time left in seconds.
func (m Movement) Remaining() int {
	if left := m.TotalSeconds - m.ProgressSeconds; left > 0 {
		return left
	}
	return 0
}

// Progress is the traveled share of the route in percent.
func (m Movement) Progress() float64 {
	if m.TotalSeconds <= 0 {
		return 0
	}
	return float64(m.ProgressSeconds) / float64(m.TotalSeconds) * 100
}

func (m Movement) clone() Movement {
	out := m
	if m.Units != nil {
		out.Units = make(map[string]int, len(m.Units))
		for k, v := range m.Units {
			out.Units[k] = v
		}
	}
	if m.Goods != nil {
		g := *m.Goods
		out.Goods = &g
	}
	return out
}
