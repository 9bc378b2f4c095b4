// Package state holds the game and player records produced by the rules
// engine, and their mapping to and from value trees.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/table-sync/internal/value"
)

var ErrMalformed = errors.New("malformed state tree")

type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhasePreFlop  Phase = "pre-flop"
	PhaseFlop     Phase = "flop"
	PhaseTurn     Phase = "turn"
	PhaseRiver    Phase = "river"
	PhaseShowdown Phase = "showdown"
	PhaseFinished Phase = "finished"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhasePreFlop, PhaseFlop, PhaseTurn, PhaseRiver, PhaseShowdown, PhaseFinished:
		return true
	}
	return false
}

// BoardSize is the number of community cards a phase must show, or -1 when
// any count up to MaxCommunityCards is legal.
func (p Phase) BoardSize() int {
	switch p {
	case PhaseWaiting, PhasePreFlop:
		return 0
	case PhaseFlop:
		return 3
	case PhaseTurn:
		return 4
	case PhaseRiver:
		return 5
	}
	return -1
}

const MaxCommunityCards = 5

// Card is a two-character rank+suit code such as "Ah" or "Td".
type Card string

type GameState struct {
	TableID        string
	GameID         string
	Phase          Phase
	Pot            int64
	SidePots       []int64
	CommunityCards []Card
	CurrentBet     int64
	MinRaise       int64
	ActivePlayer   *string
	Dealer         string
	SmallBlind     string
	BigBlind       string
	HandNumber     int64
	Timestamp      time.Time
}

type PlayerState struct {
	ID         string
	Chips      int64
	CurrentBet int64
	HasActed   bool
	Folded     bool
	AllIn      bool
	Stats      value.Value
}

// Players maps player id to state.
type Players map[string]PlayerState

const (
	keyGameState    = "gameState"
	keyPlayerStates = "playerStates"
)

// Payload builds the value tree that snapshots hash and diff:
// {"gameState": {...}, "playerStates": {id: {...}}}.
func Payload(g GameState, players Players) value.Value {
	return value.NewObject(map[string]value.Value{
		keyGameState:    g.ToValue(),
		keyPlayerStates: players.ToValue(),
	})
}

// FromPayload is the inverse of Payload.
func FromPayload(tree value.Value) (GameState, Players, error) {
	gv, ok := tree.Field(keyGameState)
	if !ok {
		return GameState{}, nil, fmt.Errorf("%w: missing %s", ErrMalformed, keyGameState)
	}
	pv, ok := tree.Field(keyPlayerStates)
	if !ok {
		return GameState{}, nil, fmt.Errorf("%w: missing %s", ErrMalformed, keyPlayerStates)
	}
	g, err := GameStateFromValue(gv)
	if err != nil {
		return GameState{}, nil, err
	}
	players, err := PlayersFromValue(pv)
	if err != nil {
		return GameState{}, nil, err
	}
	return g, players, nil
}

func (g GameState) ToValue() value.Value {
	sidePots := make([]value.Value, len(g.SidePots))
	for i, p := range g.SidePots {
		sidePots[i] = value.NewInt(p)
	}
	cards := make([]value.Value, len(g.CommunityCards))
	for i, c := range g.CommunityCards {
		cards[i] = value.NewString(string(c))
	}
	active := value.NewNull()
	if g.ActivePlayer != nil {
		active = value.NewString(*g.ActivePlayer)
	}
	var ts int64
	if !g.Timestamp.IsZero() {
		ts = g.Timestamp.UnixMilli()
	}
	return value.NewObject(map[string]value.Value{
		"tableId":        value.NewString(g.TableID),
		"gameId":         value.NewString(g.GameID),
		"phase":          value.NewString(string(g.Phase)),
		"pot":            value.NewInt(g.Pot),
		"sidePots":       value.NewArray(sidePots...),
		"communityCards": value.NewArray(cards...),
		"currentBet":     value.NewInt(g.CurrentBet),
		"minRaise":       value.NewInt(g.MinRaise),
		"activePlayerId": active,
		"dealerId":       value.NewString(g.Dealer),
		"smallBlindId":   value.NewString(g.SmallBlind),
		"bigBlindId":     value.NewString(g.BigBlind),
		"handNumber":     value.NewInt(g.HandNumber),
		"timestamp":      value.NewInt(ts),
	})
}

func GameStateFromValue(v value.Value) (GameState, error) {
	if v.Kind() != value.Object {
		return GameState{}, fmt.Errorf("%w: gameState is %s", ErrMalformed, v.Kind())
	}
	r := reader{v: v}
	g := GameState{
		TableID:    r.str("tableId"),
		GameID:     r.str("gameId"),
		Phase:      Phase(r.str("phase")),
		Pot:        r.integer("pot"),
		CurrentBet: r.integer("currentBet"),
		MinRaise:   r.integer("minRaise"),
		Dealer:     r.str("dealerId"),
		SmallBlind: r.str("smallBlindId"),
		BigBlind:   r.str("bigBlindId"),
		HandNumber: r.integer("handNumber"),
	}
	if ts := r.integer("timestamp"); ts != 0 {
		g.Timestamp = time.UnixMilli(ts).UTC()
	}
	if a, ok := v.Field("activePlayerId"); ok && a.Kind() == value.String {
		id := a.Str()
		g.ActivePlayer = &id
	}
	for _, it := range r.items("sidePots") {
		g.SidePots = append(g.SidePots, it.Int())
	}
	for _, it := range r.items("communityCards") {
		g.CommunityCards = append(g.CommunityCards, Card(it.Str()))
	}
	if r.err != nil {
		return GameState{}, r.err
	}
	return g, nil
}

func (p PlayerState) ToValue() value.Value {
	return value.NewObject(map[string]value.Value{
		"id":         value.NewString(p.ID),
		"chips":      value.NewInt(p.Chips),
		"currentBet": value.NewInt(p.CurrentBet),
		"hasActed":   value.NewBool(p.HasActed),
		"folded":     value.NewBool(p.Folded),
		"allIn":      value.NewBool(p.AllIn),
		"stats":      p.Stats,
	})
}

func PlayerStateFromValue(v value.Value) (PlayerState, error) {
	if v.Kind() != value.Object {
		return PlayerState{}, fmt.Errorf("%w: player is %s", ErrMalformed, v.Kind())
	}
	r := reader{v: v}
	p := PlayerState{
		ID:         r.str("id"),
		Chips:      r.integer("chips"),
		CurrentBet: r.integer("currentBet"),
		HasActed:   r.flag("hasActed"),
		Folded:     r.flag("folded"),
		AllIn:      r.flag("allIn"),
	}
	p.Stats, _ = v.Field("stats")
	if r.err != nil {
		return PlayerState{}, r.err
	}
	return p, nil
}

func (ps Players) ToValue() value.Value {
	props := make(map[string]value.Value, len(ps))
	for id, p := range ps {
		props[id] = p.ToValue()
	}
	return value.NewObject(props)
}

func PlayersFromValue(v value.Value) (Players, error) {
	if v.Kind() != value.Object {
		return nil, fmt.Errorf("%w: playerStates is %s", ErrMalformed, v.Kind())
	}
	out := make(Players, v.Len())
	var err error
	v.Range(func(id string, pv value.Value) bool {
		var p PlayerState
		p, err = PlayerStateFromValue(pv)
		if err != nil {
			err = fmt.Errorf("player %s: %w", id, err)
			return false
		}
		out[id] = p
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g GameState) MarshalJSON() ([]byte, error) { return g.ToValue().MarshalJSON() }

func (g *GameState) UnmarshalJSON(data []byte) error {
	v, err := value.Parse(data)
	if err != nil {
		return err
	}
	parsed, err := GameStateFromValue(v)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

func (p PlayerState) MarshalJSON() ([]byte, error) { return p.ToValue().MarshalJSON() }

func (p *PlayerState) UnmarshalJSON(data []byte) error {
	v, err := value.Parse(data)
	if err != nil {
		return err
	}
	parsed, err := PlayerStateFromValue(v)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// reader pulls typed fields out of an object, remembering the first
// type mismatch.
type reader struct {
	v   value.Value
	err error
}

func (r *reader) field(key string, want ...value.Kind) (value.Value, bool) {
	f, ok := r.v.Field(key)
	if !ok || f.IsNull() {
		return value.Value{}, false
	}
	for _, k := range want {
		if f.Kind() == k {
			return f, true
		}
	}
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s is %s", ErrMalformed, key, f.Kind())
	}
	return value.Value{}, false
}

func (r *reader) str(key string) string {
	f, _ := r.field(key, value.String)
	return f.Str()
}

func (r *reader) integer(key string) int64 {
	f, _ := r.field(key, value.Int, value.Float)
	return f.Int()
}

func (r *reader) flag(key string) bool {
	f, _ := r.field(key, value.Bool)
	return f.Bool()
}

func (r *reader) items(key string) []value.Value {
	f, ok := r.field(key, value.Array)
	if !ok {
		return nil
	}
	out := make([]value.Value, f.Len())
	for i := range out {
		out[i], _ = f.Index(i)
	}
	return out
}
