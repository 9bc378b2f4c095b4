package engine

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/table-sync/internal/snapshot"
	"github.com/DoyleJ11/table-sync/internal/state"
	"github.com/DoyleJ11/table-sync/internal/value"
)

func newGame() state.GameState {
	return state.GameState{
		TableID:    "t1",
		GameID:     "g1",
		Phase:      state.PhasePreFlop,
		Pot:        30,
		Dealer:     "p0001",
		SmallBlind: "p0002",
		BigBlind:   "p0003",
		HandNumber: 1,
		Timestamp:  time.UnixMilli(1_000_000).UTC(),
	}
}

func newPlayers(n int) state.Players {
	ps := make(state.Players, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("p%04d", i)
		ps[id] = state.PlayerState{
			ID:    id,
			Chips: 1000,
			Stats: value.MustFromAny(map[string]any{
				"hands":  map[string]any{"played": int64(i), "won": int64(0)},
				"recent": []any{"call", "fold"},
				"vpip":   0.5,
			}),
		}
	}
	return ps
}

func clonePlayers(ps state.Players) state.Players {
	out := make(state.Players, len(ps))
	for id, p := range ps {
		out[id] = p
	}
	return out
}

func TestGenerateApply_RoundTrip(t *testing.T) {
	ptr := func(s string) *string { return &s }
	cases := []struct {
		name   string
		mutate func(g *state.GameState, ps state.Players)
	}{
		{"no change", func(g *state.GameState, ps state.Players) {}},
		{"scalar change", func(g *state.GameState, ps state.Players) { g.Pot = 120 }},
		{"deal the flop", func(g *state.GameState, ps state.Players) {
			g.Phase = state.PhaseFlop
			g.CommunityCards = []state.Card{"Ah", "Kd", "7c"}
			g.ActivePlayer = ptr("p0002")
		}},
		{"side pots", func(g *state.GameState, ps state.Players) { g.SidePots = []int64{40, 10} }},
		{"player leaves", func(g *state.GameState, ps state.Players) { delete(ps, "p0003") }},
		{"player joins", func(g *state.GameState, ps state.Players) {
			ps["p9999"] = state.PlayerState{ID: "p9999", Chips: 500}
		}},
		{"nested stats", func(g *state.GameState, ps state.Players) {
			p := ps["p0001"]
			p.Stats = value.MustFromAny(map[string]any{
				"hands":  map[string]any{"played": int64(2), "won": int64(1)},
				"recent": []any{"call", "raise", "fold"},
				"streak": true,
			})
			ps["p0001"] = p
		}},
		{"stats dropped", func(g *state.GameState, ps state.Players) {
			p := ps["p0002"]
			p.Stats = value.NewNull()
			ps["p0002"] = p
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := snapshot.NewManager()
			players := newPlayers(5)
			from, err := m.Create(newGame(), players)
			require.NoError(t, err)

			g := newGame()
			next := clonePlayers(players)
			tc.mutate(&g, next)
			to, err := m.Create(g, next)
			require.NoError(t, err)

			e := New()
			d := e.Generate(from, to)
			assert.Equal(t, from.Version, d.FromVersion)
			assert.Equal(t, to.Version, d.ToVersion)

			got, err := e.Apply(from, d)
			require.NoError(t, err)
			assert.Equal(t, to.Hash, got.Hash)
			assert.Equal(t, to.Version, got.Version)
			assert.True(t, snapshot.ValidateState(got))
			assert.Equal(t, to.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
		})
	}
}

func TestGenerateApply_RandomWalk(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := snapshot.NewManager(snapshot.WithMaxHistorySize(64))
	e := New()

	players := newPlayers(40)
	g := newGame()
	prev, err := m.Create(g, players)
	require.NoError(t, err)
	first := prev

	var chain []Delta
	for step := 0; step < 30; step++ {
		players = clonePlayers(players)
		for k := 0; k < 1+rng.Intn(5); k++ {
			id := fmt.Sprintf("p%04d", 1+rng.Intn(40))
			p, ok := players[id]
			if !ok {
				continue
			}
			p.Chips = int64(rng.Intn(2000))
			p.HasActed = rng.Intn(2) == 0
			players[id] = p
		}
		g.Pot += int64(rng.Intn(100))
		g.HandNumber = int64(step)

		cur, err := m.Create(g, players)
		require.NoError(t, err)
		d := e.Generate(prev, cur)
		chain = append(chain, d)

		got, err := e.Apply(prev, d)
		require.NoError(t, err)
		require.Equal(t, cur.Hash, got.Hash, "step %d", step)
		prev = cur
	}

	end, err := e.ApplyChain(first, chain...)
	require.NoError(t, err)
	assert.Equal(t, prev.Hash, end.Hash)
}

func TestGenerate_DeterministicAndMinimal(t *testing.T) {
	m := snapshot.NewManager()
	players := newPlayers(200)
	from, err := m.Create(newGame(), players)
	require.NoError(t, err)

	next := clonePlayers(players)
	p := next["p0150"]
	p.Chips = 640
	next["p0150"] = p
	to, err := m.Create(newGame(), next)
	require.NoError(t, err)

	cached := New()
	uncached := New(WithCacheSize(0))
	d1 := cached.Generate(from, to)
	d2 := cached.Generate(from, to)
	d3 := uncached.Generate(from, to)

	assert.Equal(t, d1, d2)
	assert.Equal(t, d1, d3)
	require.Len(t, d1.Changes, 1)
	assert.Equal(t, "/playerStates/p0150/chips", d1.Changes[0].Path)
	assert.Equal(t, int64(640), d1.Changes[0].NewValue.Int())
	assert.Nil(t, d1.Changes[0].OldValue)
	assert.Positive(t, cached.CacheStats().Hits)
}

func TestGenerate_ChangeShapes(t *testing.T) {
	e := New(WithOldValues(true))
	a := value.MustFromAny(map[string]any{
		"keep":  int64(1),
		"gone":  "x",
		"cards": []any{"Ah", "Kd"},
		"pots":  []any{int64(1), int64(2)},
	})
	b := value.MustFromAny(map[string]any{
		"keep":  int64(1),
		"new":   true,
		"cards": []any{"Ah", "Kd", "7c"},
		"pots":  []any{int64(1), int64(5)},
	})

	changes := e.Diff(a, b)
	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	assert.Equal(t, []string{"/cards", "/gone", "/new", "/pots/1"}, paths)

	assert.Equal(t, `["Ah","Kd","7c"]`, changes[0].NewValue.String())
	assert.True(t, changes[1].Removed)
	require.NotNil(t, changes[1].OldValue)
	assert.Equal(t, `"x"`, changes[1].OldValue.String())
	assert.Equal(t, int64(2), changes[3].OldValue.Int())
}

func TestApply_Errors(t *testing.T) {
	m := snapshot.NewManager()
	from, err := m.Create(newGame(), newPlayers(2))
	require.NoError(t, err)

	cases := []struct {
		name    string
		delta   Delta
		wantErr error
	}{
		{"wrong base version", Delta{FromVersion: 99, ToVersion: 100}, ErrVersionMismatch},
		{"relative path", Delta{FromVersion: 1, ToVersion: 2, Changes: []Change{{Path: "gameState/pot"}}}, ErrInvalidPath},
		{"missing parent", Delta{FromVersion: 1, ToVersion: 2, Changes: []Change{{Path: "/playerStates/nobody/chips", NewValue: value.NewInt(1)}}}, ErrPathNotFound},
		{"remove missing key", Delta{FromVersion: 1, ToVersion: 2, Changes: []Change{{Path: "/gameState/nothing", Removed: true}}}, ErrPathNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New().Apply(from, tc.delta)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}

	_, err = New().Apply(nil, Delta{})
	require.ErrorIs(t, err, ErrNilSnapshot)
}

func TestGenerate_ScalesWithChangesNotPlayers(t *testing.T) {
	m := snapshot.NewManager()
	players := newPlayers(1000)
	from, err := m.Create(newGame(), players)
	require.NoError(t, err)

	next := clonePlayers(players)
	for i := 1; i <= 100; i++ {
		id := fmt.Sprintf("p%04d", i*10)
		p := next[id]
		p.Chips = int64(i)
		next[id] = p
	}
	to, err := m.Create(newGame(), next)
	require.NoError(t, err)

	e := New()
	start := time.Now()
	d := e.Generate(from, to)
	elapsed := time.Since(start)

	assert.Len(t, d.Changes, 100)
	assert.Less(t, elapsed, time.Second)

	got, err := e.Apply(from, d)
	require.NoError(t, err)
	assert.Equal(t, to.Hash, got.Hash)
}

func TestDelta_WireShape(t *testing.T) {
	d := Delta{FromVersion: 3, ToVersion: 5, Changes: []Change{
		{Path: "/gameState/pot", NewValue: value.NewInt(10)},
	}}
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fromVersion":3,"toVersion":5,"changes":[{"path":"/gameState/pot","newValue":10}]}`, string(b))

	var back Delta
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, d.Changes[0].Path, back.Changes[0].Path)
	assert.True(t, d.Changes[0].NewValue.Equal(back.Changes[0].NewValue))
}

func TestEstimateSize(t *testing.T) {
	var changes []Change
	for i := 0; i < 200; i++ {
		changes = append(changes, Change{Path: fmt.Sprintf("/playerStates/p%04d/chips", i), NewValue: value.NewInt(1000)})
	}
	d := Delta{FromVersion: 1, ToVersion: 2, Changes: changes}

	raw := EstimateSize(d)
	b, _ := json.Marshal(d)
	assert.Equal(t, len(b), raw)
	assert.Less(t, EstimateCompressedSize(d), raw)
}
