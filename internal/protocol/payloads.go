package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadPayload = errors.New("protocol: bad payload")

// Payload is the closed set of decoded frame bodies. Dispatch decodes each
// frame exactly once; unrecognized commands surface as Unknown.
type Payload interface {
	payload()
}

// Unknown carries the raw body of a command without a registered shape.
type Unknown struct {
	Command string
	Raw     json.RawMessage
}

// AuthResult is the lli response body. CooldownSeconds is populated when the
// server rejects the attempt with a rate-limit status.
type AuthResult struct {
	CooldownSeconds int `json:"CD"`
}

// MovementBody mirrors the server's movement object.
type MovementBody struct {
	MID int64 `json:"MID"`
	T   int   `json:"T"`
	PT  int   `json:"PT"`
	TT  int   `json:"TT"`
	D   int   `json:"D"`
	OID int64 `json:"OID"`
	TID int64 `json:"TID"`
	SID int64 `json:"SID"`
	KID int   `json:"KID"`

	// TA/SA are heterogeneous area arrays:
	// [type, x, y, areaID, ownerID, ..., name at index 10].
	TA []json.RawMessage `json:"TA"`
	SA []json.RawMessage `json:"SA"`
}

// MovementWrapper pairs a movement with its carried units and goods.
type MovementWrapper struct {
	M  MovementBody    `json:"M"`
	UM map[string]int  `json:"UM"`
	GS *CarriedGoods   `json:"GS"`
}

// CarriedGoods is the resource load of a transport/return movement.
type CarriedGoods struct {
	Wood  int `json:"W"`
	Stone int `json:"S"`
	Food  int `json:"F"`
}

// OwnerInfo enriches movements with player/alliance display names.
type OwnerInfo struct {
	OID          int64  `json:"OID"`
	Name         string `json:"N"`
	AllianceName string `json:"AN"`
}

// MovementSnapshot is the periodic full movement listing (gam). It is a
// listing, not an event: omission of a previously seen movement means
// nothing.
type MovementSnapshot struct {
	Movements []MovementWrapper `json:"M"`
	Owners    []OwnerInfo       `json:"O"`
}

// MovementUpdate is a realtime single-movement push (mov). The server sends
// either one object or a small batch under the same key.
type MovementUpdate struct {
	Movements []MovementWrapper
}

// MovementRef names one movement in a terminal event (atv/ata/mrc/mca).
type MovementRef struct {
	MID int64 `json:"MID"`
}

// BigData is the initial post-login state dump (gbd).
type BigData struct {
	PlayerInfo *PlayerInfo     `json:"gpi"`
	Experience *Experience     `json:"gxp"`
	Currencies *Currencies     `json:"gcu"`
	Alliance   *AllianceInfo   `json:"gal"`
	CastleList json.RawMessage `json:"gcl"`
}

type PlayerInfo struct {
	PID  int64  `json:"PID"`
	Name string `json:"N"`
	LVL  int    `json:"LVL"`
	XP   int64  `json:"XP"`
}

type Experience struct {
	LVL int   `json:"LVL"`
	XP  int64 `json:"XP"`
}

type Currencies struct {
	Gold   int64 `json:"C1"`
	Rubies int64 `json:"C2"`
}

type AllianceInfo struct {
	AID  int64  `json:"AID"`
	Name string `json:"N"`
}

// CastleKingdom is one kingdom entry of the gcl/dcl castle listings.
type CastleKingdom struct {
	KID   int               `json:"KID"`
	Areas []json.RawMessage `json:"AI"`
}

// CastleList is the dcl detailed castle listing.
type CastleList struct {
	Kingdoms []CastleKingdom `json:"C"`
}

// CastleResources is one dcl area entry carrying stock levels.
type CastleResources struct {
	AID   int64   `json:"AID"`
	Wood  float64 `json:"W"`
	Stone float64 `json:"S"`
	Food  float64 `json:"F"`
}

// ChatMessage is one alliance chat line (acm push / acl history entry).
type ChatMessage struct {
	Sender  string `json:"ON"`
	Message string `json:"M"`
}

// ChatHistory is the acl response body.
type ChatHistory struct {
	Messages []ChatMessage `json:"CM"`
}

func (Unknown) payload()          {}
func (AuthResult) payload()       {}
func (MovementSnapshot) payload() {}
func (MovementUpdate) payload()   {}
func (MovementRef) payload()      {}
func (BigData) payload()          {}
func (CastleList) payload()       {}
func (ChatMessage) payload()      {}
func (ChatHistory) payload()      {}

// Decode parses a frame body into its typed variant. Commands without a
// registered shape return Unknown with the raw body; malformed bodies for
// known commands fail with ErrBadPayload.
func Decode(command string, body []byte) (Payload, error) {
	switch command {
	case CmdAuth:
		return decodeInto[AuthResult](command, body)
	case CmdMovements:
		return decodeInto[MovementSnapshot](command, body)
	case CmdMovementUpdate:
		return decodeMovementUpdate(body)
	case CmdArrival, CmdAttackArrival, CmdMovementRecall, CmdMovementCancel:
		return decodeInto[MovementRef](command, body)
	case CmdBigData:
		return decodeInto[BigData](command, body)
	case CmdCastleList:
		return decodeInto[CastleList](command, body)
	case CmdChatSend:
		return decodeInto[ChatMessage](command, body)
	case CmdChatHistory:
		return decodeInto[ChatHistory](command, body)
	default:
		raw := make(json.RawMessage, len(body))
		copy(raw, body)
		return Unknown{Command: command, Raw: raw}, nil
	}
}

func decodeInto[T Payload](command string, body []byte) (Payload, error) {
	var out T
	if len(body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, command, err)
	}
	return out, nil
}

// decodeMovementUpdate tolerates both shapes the server uses for mov:
// {"M": {...}} and {"M": [{...}, ...]}.
func decodeMovementUpdate(body []byte) (Payload, error) {
	var probe struct {
		M json.RawMessage `json:"M"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: mov: %v", ErrBadPayload, err)
	}
	if len(probe.M) == 0 {
		return MovementUpdate{}, nil
	}

	raw := firstNonSpace(probe.M)
	switch raw {
	case '[':
		var many []MovementWrapper
		if err := json.Unmarshal(probe.M, &many); err != nil {
			return nil, fmt.Errorf("%w: mov list: %v", ErrBadPayload, err)
		}
		return MovementUpdate{Movements: many}, nil
	case '{':
		var one MovementBody
		if err := json.Unmarshal(probe.M, &one); err != nil {
			return nil, fmt.Errorf("%w: mov object: %v", ErrBadPayload, err)
		}
		return MovementUpdate{Movements: []MovementWrapper{{M: one}}}, nil
	default:
		return nil, fmt.Errorf("%w: mov: unexpected body shape", ErrBadPayload)
	}
}

func firstNonSpace(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}

// AreaInt extracts an integer element of a TA/SA area array.
func AreaInt(area []json.RawMessage, idx int) (int64, bool) {
	if idx < 0 || idx >= len(area) {
		return 0, false
	}
	var v int64
	if err := json.Unmarshal(area[idx], &v); err != nil {
		return 0, false
	}
	return v, true
}

// AreaString extracts a string element of a TA/SA area array.
func AreaString(area []json.RawMessage, idx int) (string, bool) {
	if idx < 0 || idx >= len(area) {
		return "", false
	}
	var v string
	if err := json.Unmarshal(area[idx], &v); err != nil {
		return "", false
	}
	return v, true
}
