package conflict

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(ms float64) time.Time { return FromMillis(ms) }

func act(id string, role Role, ms float64) Action {
	return Action{PlayerID: id, Action: "bet", Role: role, Timestamp: at(ms)}
}

func ids(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.PlayerID
	}
	return out
}

func intp(n int) *int    { return &n }
func amt(n int64) *int64 { return &n }
func boolp(b bool) *bool { return &b }

func TestResolve_Authority(t *testing.T) {
	cases := []struct {
		name    string
		actions []Action
		rules   AuthorityRules
		want    []string
	}{
		{
			name: "highest role wins",
			actions: []Action{
				act("player1", RolePlayer, 1000),
				act("dealer1", RoleDealer, 1000),
				act("admin1", RoleAdmin, 1000),
			},
			want: []string{"admin1"},
		},
		{
			name: "earlier fraction wins",
			actions: []Action{
				act("p2", RolePlayer, 1000.456),
				act("p1", RolePlayer, 1000.123),
			},
			want: []string{"p1"},
		},
		{
			name: "fraction beats player id",
			actions: []Action{
				act("a", RolePlayer, 1000.9),
				act("z", RolePlayer, 1000.1),
			},
			want: []string{"z"},
		},
		{
			name: "tiebreaker disabled falls to player id",
			actions: []Action{
				act("zed", RolePlayer, 1000.1),
				act("amy", RolePlayer, 1000.9),
			},
			rules: AuthorityRules{UseTimestampTiebreaker: boolp(false)},
			want:  []string{"amy"},
		},
		{
			name: "explicit level beats role",
			actions: []Action{
				act("admin1", RoleAdmin, 1000),
				{PlayerID: "p1", Role: RolePlayer, AuthorityLevel: intp(9), Timestamp: at(1000)},
			},
			want: []string{"p1"},
		},
		{
			name: "missing role is lowest",
			actions: []Action{
				{PlayerID: "anon", Timestamp: at(1000)},
				act("p1", RolePlayer, 1000.5),
			},
			rules: AuthorityRules{RoleAuthority: map[Role]int{RolePlayer: 5}},
			want:  []string{"p1"},
		},
		{
			name: "role override",
			actions: []Action{
				act("admin1", RoleAdmin, 1000),
				act("dealer1", RoleDealer, 1000),
			},
			rules: AuthorityRules{RoleAuthority: map[Role]int{RoleDealer: 10}},
			want:  []string{"dealer1"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(tc.actions, StrategyAuthority, tc.rules)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))
		})
	}
	assert.Equal(t, 2, defaultAuthority[RoleDealer], "defaults must not change")
}

func TestResolve_ChronologicalOutput(t *testing.T) {
	actions := []Action{
		act("late", RolePlayer, 3000),
		act("p1", RolePlayer, 2000),
		act("single", RolePlayer, 1000),
		act("d1", RoleDealer, 2000.5),
	}
	got, err := Resolve(actions, StrategyAuthority, AuthorityRules{})
	require.NoError(t, err)
	assert.Equal(t, []string{"single", "d1", "late"}, ids(got))
	assert.Equal(t, actions[2], got[0], "singletons pass through unchanged")

	got, err = Resolve(nil, StrategyAuthority, AuthorityRules{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve_Strategies(t *testing.T) {
	actions := []Action{
		{PlayerID: "b", Role: RolePlayer, Amount: amt(50), Timestamp: at(1000.2)},
		{PlayerID: "a", Role: RolePlayer, Amount: amt(80), Timestamp: at(1000.7)},
		{PlayerID: "c", Role: RoleAdmin, Timestamp: at(1000.1)},
		{PlayerID: "d", Role: RolePlayer, Amount: amt(80), Timestamp: at(1000.3)},
	}
	cases := []struct {
		strategy Strategy
		want     string
	}{
		{StrategyAuthority, "c"},
		{StrategyFirstWrite, "c"},
		{StrategyLastWrite, "a"},
		{StrategyHighestAmount, "d"},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			got, err := Resolve(actions, tc.strategy, AuthorityRules{})
			require.NoError(t, err)
			assert.Equal(t, []string{tc.want}, ids(got))
		})
	}

	_, err := Resolve(actions, "coin-flip", AuthorityRules{})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestResolve_CustomResolver(t *testing.T) {
	highest := ResolverFunc(func(a, b Action) (Action, error) {
		if amount(b) > amount(a) {
			return b, nil
		}
		return a, nil
	})
	actions := []Action{
		{PlayerID: "admin", Role: RoleAdmin, Amount: amt(10), Timestamp: at(1000)},
		{PlayerID: "p1", Role: RolePlayer, Amount: amt(300), Timestamp: at(1000)},
		{PlayerID: "p2", Role: RolePlayer, Amount: amt(200), Timestamp: at(1000)},
	}
	got, err := Resolve(actions, StrategyAuthority, AuthorityRules{Resolver: highest})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids(got))

	boom := errors.New("resolver exploded")
	failing := ResolverFunc(func(a, b Action) (Action, error) { return Action{}, boom })
	_, err = Resolve(actions, StrategyAuthority, AuthorityRules{Resolver: failing})
	assert.ErrorIs(t, err, boom)

	// singletons never reach the resolver
	got, err = Resolve(actions[:1], StrategyAuthority, AuthorityRules{Resolver: failing})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestResolve_Deterministic(t *testing.T) {
	a := []Action{
		act("p3", RolePlayer, 1000),
		act("p1", RolePlayer, 1000),
		act("p2", RolePlayer, 1000),
	}
	b := []Action{a[2], a[0], a[1]}
	ra, err := Resolve(a, StrategyAuthority, AuthorityRules{})
	require.NoError(t, err)
	rb, err := Resolve(b, StrategyAuthority, AuthorityRules{})
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
	assert.Equal(t, []string{"p1"}, ids(ra))
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"authority":        StrategyAuthority,
		"AUTHORITY_BASED":  StrategyAuthority,
		"FIRST_WRITE_WINS": StrategyFirstWrite,
		"last-write":       StrategyLastWrite,
		"highest_amount":   StrategyHighestAmount,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("random")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestAction_JSON(t *testing.T) {
	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{"playerId":"p1","action":"raise","amount":40,"timestamp":1000.123,"playerRole":"DEALER"}`), &a))
	assert.Equal(t, int64(1000), a.Timestamp.UnixMilli())
	assert.Equal(t, 123*time.Microsecond, subMilli(a))
	assert.Equal(t, RoleDealer, a.Role)
	require.NotNil(t, a.Amount)
	assert.Equal(t, int64(40), *a.Amount)

	b, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"playerId":"p1","action":"raise","amount":40,"timestamp":1000.123,"playerRole":"DEALER"}`, string(b))
}
