package snapshot

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/DoyleJ11/table-sync/internal/state"
)

var (
	ErrNilSnapshot         = errors.New("nil snapshot")
	ErrHashMismatch        = errors.New("hash does not match payload")
	ErrNegativePot         = errors.New("negative pot")
	ErrNegativeChips       = errors.New("negative chip count")
	ErrNegativeBet         = errors.New("negative bet")
	ErrUnknownPhase        = errors.New("unknown phase")
	ErrBoardSize           = errors.New("community card count impossible for phase")
	ErrUnknownActivePlayer = errors.New("active player not seated")
)

// ValidateState reports whether the snapshot's hash matches its payload and
// the payload passes the sanity checks. It never panics, so a batch audit
// can continue past a bad record.
func ValidateState(s *Snapshot) bool {
	return Check(s) == nil
}

// Check returns every violation found in s, combined.
func Check(s *Snapshot) error {
	if s == nil {
		return ErrNilSnapshot
	}
	var err error
	if got := s.Recompute(); got != s.Hash {
		err = multierr.Append(err, fmt.Errorf("%w: have %.12s, computed %.12s", ErrHashMismatch, s.Hash, got))
	}

	g := s.Game
	if g.Pot < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: %d", ErrNegativePot, g.Pot))
	}
	for i, p := range g.SidePots {
		if p < 0 {
			err = multierr.Append(err, fmt.Errorf("%w: side pot %d is %d", ErrNegativePot, i, p))
		}
	}
	if g.CurrentBet < 0 || g.MinRaise < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: current bet %d, min raise %d", ErrNegativeBet, g.CurrentBet, g.MinRaise))
	}
	if !g.Phase.Valid() {
		err = multierr.Append(err, fmt.Errorf("%w: %q", ErrUnknownPhase, g.Phase))
	}
	cards := len(g.CommunityCards)
	if want := g.Phase.BoardSize(); cards > state.MaxCommunityCards || (want >= 0 && cards != want) {
		err = multierr.Append(err, fmt.Errorf("%w: %d cards in %s", ErrBoardSize, cards, g.Phase))
	}
	if g.ActivePlayer != nil {
		if _, ok := s.Players[*g.ActivePlayer]; !ok {
			err = multierr.Append(err, fmt.Errorf("%w: %s", ErrUnknownActivePlayer, *g.ActivePlayer))
		}
	}

	ids := make([]string, 0, len(s.Players))
	for id := range s.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := s.Players[id]
		if p.Chips < 0 {
			err = multierr.Append(err, fmt.Errorf("%w: %s has %d", ErrNegativeChips, id, p.Chips))
		}
		if p.CurrentBet < 0 {
			err = multierr.Append(err, fmt.Errorf("%w: %s bet %d", ErrNegativeBet, id, p.CurrentBet))
		}
	}
	return err
}

// Audit returns the versions that fail validation, in input order.
func Audit(history []*Snapshot) []int64 {
	var bad []int64
	for _, s := range history {
		if s == nil {
			continue
		}
		if !ValidateState(s) {
			bad = append(bad, s.Version)
		}
	}
	return bad
}
