// Package conflict reduces batches of simultaneous player actions to one
// deterministic winner per timestamp.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/DoyleJ11/table-sync/internal/metrics"
)

var (
	ErrUnknownStrategy = errors.New("unknown conflict strategy")
	ErrBadTimestamp    = errors.New("timestamp must be a finite number of milliseconds")
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleDealer Role = "DEALER"
	RolePlayer Role = "PLAYER"
)

// Action is one player-action record. Two actions conflict when their
// timestamps fall in the same millisecond.
type Action struct {
	PlayerID       string
	Action         string
	Amount         *int64
	Timestamp      time.Time
	Role           Role
	AuthorityLevel *int
}

type actionWire struct {
	PlayerID       string  `json:"playerId"`
	Action         string  `json:"action"`
	Amount         *int64  `json:"amount,omitempty"`
	Timestamp      float64 `json:"timestamp"`
	Role           Role    `json:"playerRole,omitempty"`
	AuthorityLevel *int    `json:"authorityLevel,omitempty"`
}

// MarshalJSON encodes Timestamp as fractional Unix milliseconds with
// microsecond precision.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(actionWire{
		PlayerID:       a.PlayerID,
		Action:         a.Action,
		Amount:         a.Amount,
		Timestamp:      float64(a.Timestamp.UnixMicro()) / 1000,
		Role:           a.Role,
		AuthorityLevel: a.AuthorityLevel,
	})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if math.IsNaN(w.Timestamp) || math.IsInf(w.Timestamp, 0) {
		return ErrBadTimestamp
	}
	*a = Action{
		PlayerID:       w.PlayerID,
		Action:         w.Action,
		Amount:         w.Amount,
		Timestamp:      FromMillis(w.Timestamp),
		Role:           w.Role,
		AuthorityLevel: w.AuthorityLevel,
	}
	return nil
}

// FromMillis converts fractional Unix milliseconds to a time, keeping
// microseconds.
func FromMillis(ms float64) time.Time {
	return time.UnixMicro(int64(math.Round(ms * 1000))).UTC()
}

type Strategy string

const (
	StrategyAuthority     Strategy = "authority"
	StrategyFirstWrite    Strategy = "first-write"
	StrategyLastWrite     Strategy = "last-write"
	StrategyHighestAmount Strategy = "highest-amount"
)

// ParseStrategy accepts the canonical names and their upper-case
// underscore spellings, e.g. "AUTHORITY_BASED" or "FIRST_WRITE".
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
	switch norm {
	case "authority", "authority-based":
		return StrategyAuthority, nil
	case "first-write", "first-write-wins":
		return StrategyFirstWrite, nil
	case "last-write", "last-write-wins":
		return StrategyLastWrite, nil
	case "highest-amount":
		return StrategyHighestAmount, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Resolver picks the winner of two conflicting actions. An error aborts the
// whole resolution.
type Resolver interface {
	Resolve(a, b Action) (Action, error)
}

type ResolverFunc func(a, b Action) (Action, error)

func (f ResolverFunc) Resolve(a, b Action) (Action, error) { return f(a, b) }

// AuthorityRules configures one Resolve call. The zero value uses the
// default role table with the timestamp tiebreaker on.
type AuthorityRules struct {
	// RoleAuthority entries override the defaults for the roles they name.
	RoleAuthority          map[Role]int `json:"roleAuthority,omitempty"`
	UseTimestampTiebreaker *bool        `json:"useTimestampTiebreaker,omitempty"`
	// Resolver, when set, replaces the strategy for every conflict group.
	Resolver Resolver `json:"-"`
}

func (r AuthorityRules) tiebreak() bool {
	return r.UseTimestampTiebreaker == nil || *r.UseTimestampTiebreaker
}

type group struct {
	ms      int64
	actions []Action
}

// Resolve returns exactly one action per distinct millisecond present in
// actions, in ascending time order. Actions alone in their millisecond pass
// through unchanged.
func Resolve(actions []Action, strategy Strategy, rules AuthorityRules) ([]Action, error) {
	pick, err := picker(strategy, rules)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return []Action{}, nil
	}

	byMs := make(map[int64]*group)
	var groups []*group
	for _, a := range actions {
		ms := a.Timestamp.UnixMilli()
		g, ok := byMs[ms]
		if !ok {
			g = &group{ms: ms}
			byMs[ms] = g
			groups = append(groups, g)
		}
		g.actions = append(g.actions, a)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ms < groups[j].ms })

	out := make([]Action, 0, len(groups))
	for _, g := range groups {
		if len(g.actions) == 1 {
			out = append(out, g.actions[0])
			continue
		}
		var winner Action
		if rules.Resolver != nil {
			winner, err = reduce(g.actions, rules.Resolver)
		} else {
			winner = pick(g.actions)
		}
		if err != nil {
			return nil, fmt.Errorf("conflict at %d: %w", g.ms, err)
		}
		metrics.ConflictsResolved.WithLabelValues(string(strategy)).Inc()
		out = append(out, winner)
	}
	return out, nil
}

// reduce folds the group through r in arrival order.
func reduce(actions []Action, r Resolver) (Action, error) {
	winner := actions[0]
	for _, next := range actions[1:] {
		w, err := r.Resolve(winner, next)
		if err != nil {
			return Action{}, err
		}
		winner = w
	}
	return winner, nil
}
