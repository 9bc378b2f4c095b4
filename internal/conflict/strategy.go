package conflict

import (
	"fmt"
	"time"
)

// defaultAuthority is copied for every call and never written.
var defaultAuthority = map[Role]int{
	RoleAdmin:  3,
	RoleDealer: 2,
	RolePlayer: 1,
}

// DefaultAuthority returns a copy of the built-in role table.
func DefaultAuthority() map[Role]int {
	out := make(map[Role]int, len(defaultAuthority))
	for r, lvl := range defaultAuthority {
		out[r] = lvl
	}
	return out
}

type authority struct {
	levels   map[Role]int
	lowest   int
	tiebreak bool
}

func newAuthority(rules AuthorityRules) authority {
	levels := DefaultAuthority()
	for r, lvl := range rules.RoleAuthority {
		levels[r] = lvl
	}
	lowest := 0
	first := true
	for _, lvl := range levels {
		if first || lvl < lowest {
			lowest, first = lvl, false
		}
	}
	return authority{levels: levels, lowest: lowest, tiebreak: rules.tiebreak()}
}

// level is the explicit AuthorityLevel, else the role's level. Unknown or
// missing roles get the lowest level in the table.
func (au authority) level(a Action) int {
	if a.AuthorityLevel != nil {
		return *a.AuthorityLevel
	}
	if lvl, ok := au.levels[a.Role]; ok {
		return lvl
	}
	return au.lowest
}

// subMilli is the part of the timestamp below the millisecond.
func subMilli(a Action) time.Duration {
	return a.Timestamp.Sub(time.UnixMilli(a.Timestamp.UnixMilli()))
}

// pick narrows candidates by authority, then sub-millisecond time, then
// player id. It always returns a single action.
func (au authority) pick(candidates []Action) Action {
	best := keepMax(candidates, func(a Action) int64 { return int64(au.level(a)) })
	if len(best) > 1 && au.tiebreak {
		best = keepMax(best, func(a Action) int64 { return -int64(subMilli(a)) })
	}
	return byPlayerID(best)
}

// keepMax returns the candidates sharing the highest score, in input order.
func keepMax(candidates []Action, score func(Action) int64) []Action {
	var out []Action
	var top int64
	for i, a := range candidates {
		s := score(a)
		switch {
		case i == 0 || s > top:
			top = s
			out = append(out[:0], a)
		case s == top:
			out = append(out, a)
		}
	}
	return out
}

func byPlayerID(candidates []Action) Action {
	winner := candidates[0]
	for _, a := range candidates[1:] {
		if a.PlayerID < winner.PlayerID {
			winner = a
		}
	}
	return winner
}

func picker(s Strategy, rules AuthorityRules) (func([]Action) Action, error) {
	au := newAuthority(rules)
	switch s {
	case StrategyAuthority:
		return au.pick, nil
	case StrategyFirstWrite:
		// Earliest exact timestamp; arrival order among equals.
		return func(g []Action) Action {
			return keepMax(g, func(a Action) int64 { return -a.Timestamp.UnixNano() })[0]
		}, nil
	case StrategyLastWrite:
		return func(g []Action) Action {
			best := keepMax(g, func(a Action) int64 { return a.Timestamp.UnixNano() })
			return best[len(best)-1]
		}, nil
	case StrategyHighestAmount:
		return func(g []Action) Action {
			return au.pick(keepMax(g, amount))
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// amount scores missing amounts below any real one.
func amount(a Action) int64 {
	if a.Amount == nil {
		return -1 << 63
	}
	return *a.Amount
}
