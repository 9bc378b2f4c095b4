package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/DoyleJ11/table-sync/internal/state"
	"github.com/DoyleJ11/table-sync/internal/value"
)

// Snapshot is a versioned, hashed capture of one table's state. It must not
// be modified after creation; the manager and delta engine share it freely.
type Snapshot struct {
	Version   int64
	Hash      string
	Game      state.GameState
	Players   state.Players
	CreatedAt time.Time

	tree value.Value
}

// FromTree builds a snapshot from a payload tree, deriving the typed state
// and the hash from it.
func FromTree(version int64, tree value.Value, createdAt time.Time) (*Snapshot, error) {
	g, players, err := state.FromPayload(tree)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:   version,
		Hash:      Hash(tree),
		Game:      g,
		Players:   players,
		CreatedAt: createdAt,
		tree:      tree,
	}, nil
}

// Tree returns the payload tree the hash was computed over.
func (s *Snapshot) Tree() value.Value {
	if s.tree.IsNull() {
		return state.Payload(s.Game, s.Players)
	}
	return s.tree
}

// Hash is the hex SHA-256 of the payload's canonical JSON. Object keys are
// sorted, so it does not depend on map insertion order.
func Hash(tree value.Value) string {
	sum := sha256.Sum256(tree.AppendJSON(nil))
	return hex.EncodeToString(sum[:])
}

// Recompute hashes the typed state, ignoring any cached tree.
func (s *Snapshot) Recompute() string {
	return Hash(state.Payload(s.Game, s.Players))
}

type wire struct {
	Version      int64             `json:"version"`
	Hash         string            `json:"hash"`
	GameState    json.RawMessage   `json:"gameState"`
	PlayerStates []json.RawMessage `json:"playerStates"`
	CreatedAt    int64             `json:"createdAt"`
}

// MarshalJSON encodes the transfer payload; playerStates is an array of
// [id, state] pairs sorted by id.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	tree := s.Tree()
	gv, _ := tree.Field("gameState")
	pv, _ := tree.Field("playerStates")

	pairs := make([]json.RawMessage, 0, pv.Len())
	pv.Range(func(id string, p value.Value) bool {
		buf := []byte{'['}
		buf = value.NewString(id).AppendJSON(buf)
		buf = append(buf, ',')
		buf = p.AppendJSON(buf)
		buf = append(buf, ']')
		pairs = append(pairs, buf)
		return true
	})
	return json.Marshal(wire{
		Version:      s.Version,
		Hash:         s.Hash,
		GameState:    gv.AppendJSON(nil),
		PlayerStates: pairs,
		CreatedAt:    s.CreatedAt.UnixMilli(),
	})
}

// UnmarshalJSON keeps the transmitted hash as-is; ValidateState tells
// whether it matches the payload.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	gv, err := value.Parse(w.GameState)
	if err != nil {
		return fmt.Errorf("gameState: %w", err)
	}
	props := make(map[string]value.Value, len(w.PlayerStates))
	for i, raw := range w.PlayerStates {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return fmt.Errorf("playerStates[%d]: %w", i, state.ErrMalformed)
		}
		var id string
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return fmt.Errorf("playerStates[%d] id: %w", i, err)
		}
		pv, err := value.Parse(pair[1])
		if err != nil {
			return fmt.Errorf("playerStates[%d] state: %w", i, err)
		}
		props[id] = pv
	}
	tree := value.NewObject(map[string]value.Value{
		"gameState":    gv,
		"playerStates": value.NewObject(props),
	})
	g, players, err := state.FromPayload(tree)
	if err != nil {
		return err
	}
	*s = Snapshot{
		Version:   w.Version,
		Hash:      w.Hash,
		Game:      g,
		Players:   players,
		CreatedAt: time.UnixMilli(w.CreatedAt).UTC(),
		tree:      tree,
	}
	return nil
}

// History is anything that can return a stored snapshot by version.
type History interface {
	At(version int64) (*Snapshot, bool)
}

// Slice is a History over snapshots sorted by ascending version.
type Slice []*Snapshot

func (h Slice) At(version int64) (*Snapshot, bool) { return Lookup(h, version) }

// Lookup finds version in an ascending history by binary search.
func Lookup(history []*Snapshot, version int64) (*Snapshot, bool) {
	i := sort.Search(len(history), func(i int) bool { return history[i].Version >= version })
	if i < len(history) && history[i].Version == version {
		return history[i], true
	}
	return nil, false
}
