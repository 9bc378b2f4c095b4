package table

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/table-sync/internal/conflict"
	"github.com/DoyleJ11/table-sync/internal/engine"
	"github.com/DoyleJ11/table-sync/internal/recovery"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
	"github.com/DoyleJ11/table-sync/internal/state"
	"github.com/DoyleJ11/table-sync/internal/syncpolicy"
)

// helper: receive one result with a timeout so tests never hang
func recvResult(t *testing.T, ch <-chan syncpolicy.Result, within time.Duration) syncpolicy.Result {
	t.Helper()
	select {
	case res, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return res
	case <-time.After(within):
		t.Fatalf("timed out waiting for sync result")
		return syncpolicy.Result{} // unreachable
	}
}

func recvNoResult(t *testing.T, ch <-chan syncpolicy.Result, within time.Duration) {
	t.Helper()
	select {
	case res, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no result within %v, got %+v", within, res)
	case <-time.After(within):
	}
}

func recvView(t *testing.T, l *Table) View {
	t.Helper()
	reply := make(chan View, 1)
	l.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func players(chips ...int64) state.Players {
	ps := state.Players{}
	for i, c := range chips {
		id := fmt.Sprintf("p%d", i+1)
		ps[id] = state.PlayerState{ID: id, Chips: c}
	}
	return ps
}

func game(hand int64) state.GameState {
	return state.GameState{TableID: "T1", GameID: "g", Phase: state.PhasePreFlop, HandNumber: hand, Timestamp: time.UnixMilli(hand)}
}

func publish(t *testing.T, l *Table, hand int64, ps state.Players) *snapshot.Snapshot {
	t.Helper()
	reply := make(chan PublishResult, 1)
	l.Inbox() <- Publish{Game: game(hand), Players: ps, Reply: reply}
	res := <-reply
	require.NoError(t, res.Err)
	return res.Snapshot
}

func TestTable_PublishSyncsJoinedClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, "T1", Options{})

	out := make(chan syncpolicy.Result, 4)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}
	recvNoResult(t, out, 50*time.Millisecond)

	first := publish(t, l, 1, players(100, 200))
	res := recvResult(t, out, time.Second)
	if res.Type != syncpolicy.TypeSnapshot {
		t.Fatalf("new client: want snapshot, got %s", res.Type)
	}
	assert.Equal(t, first.Version, res.Snapshot.Version)

	second := publish(t, l, 2, players(90, 210))
	res = recvResult(t, out, time.Second)
	require.Equal(t, syncpolicy.TypeDelta, res.Type)
	assert.Equal(t, first.Version, res.Delta.FromVersion)
	assert.Equal(t, second.Version, res.Delta.ToVersion)

	got, err := engine.New().Apply(first, *res.Delta)
	require.NoError(t, err)
	assert.Equal(t, second.Hash, got.Hash)

	l.Inbox() <- Shutdown{}
	<-l.Done()
}

func TestTable_JoinCatchesUpFromLastVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, "T1", Options{})

	var snaps []*snapshot.Snapshot
	for h := int64(1); h <= 3; h++ {
		snaps = append(snaps, publish(t, l, h, players(100+h)))
	}

	out := make(chan syncpolicy.Result, 1)
	l.Inbox() <- Join{ClientID: "late", LastVersion: snaps[0].Version, Outbox: out}
	res := recvResult(t, out, time.Second)
	require.Equal(t, syncpolicy.TypeDelta, res.Type)
	assert.Equal(t, snaps[0].Version, res.Delta.FromVersion)
	assert.Equal(t, snaps[2].Version, res.Delta.ToVersion)

	tight := make(chan syncpolicy.Result, 1)
	l.Inbox() <- Join{ClientID: "tight", LastVersion: snaps[0].Version, Outbox: tight,
		Options: []syncpolicy.Option{syncpolicy.WithVersionDiffThreshold(1)}}
	res = recvResult(t, tight, time.Second)
	assert.Equal(t, syncpolicy.TypeSnapshot, res.Type)
}

func TestTable_DropSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, "T1", Options{})

	slow := make(chan syncpolicy.Result, 1)
	fast := make(chan syncpolicy.Result, 8)
	l.Inbox() <- Join{ClientID: "slow", Outbox: slow}
	l.Inbox() <- Join{ClientID: "fast", Outbox: fast}

	publish(t, l, 1, players(100))
	publish(t, l, 2, players(90))

	view := recvView(t, l)
	if view.NumClients != 1 {
		t.Fatalf("expected slow client to be dropped; NumClients=%d", view.NumClients)
	}
	recvResult(t, slow, time.Second)
	_, open := <-slow
	assert.False(t, open, "dropped client's outbox must be closed")
	assert.Len(t, fast, 2)
}

func TestTable_Recover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, "T1", Options{MaxHistorySize: 3})

	var snaps []*snapshot.Snapshot
	for h := int64(1); h <= 5; h++ {
		snaps = append(snaps, publish(t, l, h, players(100*h)))
	}

	reply := make(chan recovery.Response, 1)
	l.Inbox() <- Recover{Request: recovery.Request{ClientVersion: snaps[2].Version, ClientHash: snaps[2].Hash}, Reply: reply}
	res := <-reply
	require.True(t, res.Success)
	assert.Equal(t, snaps[4].Version, res.Updates.ToVersion)

	l.Inbox() <- Recover{Request: recovery.Request{ClientVersion: snaps[0].Version, ClientHash: snaps[0].Hash}, Reply: reply}
	res = <-reply
	assert.False(t, res.Success, "evicted version cannot be recovered from memory")
	assert.ErrorIs(t, res.Err, recovery.ErrVersionNotFound)
}

func TestTable_RecoverWithArchiveHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archived := snapshot.Slice{}
	l := New(ctx, "T1", Options{
		MaxHistorySize: 1,
		Archiver:       archiverFunc(func(s *snapshot.Snapshot) { archived = append(archived, s) }),
		History: func(mem snapshot.History) snapshot.History {
			return historyFunc(func(v int64) (*snapshot.Snapshot, bool) {
				if s, ok := mem.At(v); ok {
					return s, true
				}
				return archived.At(v)
			})
		},
	})
	first := publish(t, l, 1, players(10))
	publish(t, l, 2, players(20))

	reply := make(chan recovery.Response, 1)
	l.Inbox() <- Recover{Request: recovery.Request{ClientVersion: first.Version, ClientHash: first.Hash}, Reply: reply}
	res := <-reply
	assert.True(t, res.Success)
}

type archiverFunc func(*snapshot.Snapshot)

func (f archiverFunc) Archive(s *snapshot.Snapshot) { f(s) }

type historyFunc func(int64) (*snapshot.Snapshot, bool)

func (f historyFunc) At(v int64) (*snapshot.Snapshot, bool) { return f(v) }

func TestTable_SubmitActions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, "T1", Options{})

	reply := make(chan ActionsResult, 1)
	l.Inbox() <- SubmitActions{
		Actions: []conflict.Action{
			{PlayerID: "player1", Role: conflict.RolePlayer, Timestamp: conflict.FromMillis(1000)},
			{PlayerID: "admin1", Role: conflict.RoleAdmin, Timestamp: conflict.FromMillis(1000)},
			{PlayerID: "dealer1", Role: conflict.RoleDealer, Timestamp: conflict.FromMillis(999)},
		},
		Strategy: conflict.StrategyAuthority,
		Reply:    reply,
	}
	res := <-reply
	require.NoError(t, res.Err)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, "dealer1", res.Actions[0].PlayerID)
	assert.Equal(t, "admin1", res.Actions[1].PlayerID)

	l.Inbox() <- SubmitActions{Strategy: "nope", Reply: reply}
	res = <-reply
	assert.ErrorIs(t, res.Err, conflict.ErrUnknownStrategy)
}

func TestTable_ShutdownClosesOutboxes(t *testing.T) {
	l := New(context.Background(), "T1", Options{})
	out := make(chan syncpolicy.Result, 1)
	l.Inbox() <- Join{ClientID: "c1", Outbox: out}
	l.Inbox() <- Shutdown{}

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("table did not stop")
	}
	_, open := <-out
	assert.False(t, open)
}

func TestTable_SeedResumesVersion(t *testing.T) {
	prev, err := snapshot.NewManager(snapshot.WithStartVersion(41)).Create(game(1), players(5))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, "T1", Options{Seed: prev})

	out := make(chan syncpolicy.Result, 1)
	l.Inbox() <- Join{ClientID: "c1", LastVersion: 42, Outbox: out}
	res := recvResult(t, out, time.Second)
	require.Equal(t, syncpolicy.TypeDelta, res.Type)
	assert.True(t, res.Delta.Empty())

	next := publish(t, l, 2, players(6))
	assert.Equal(t, int64(43), next.Version)
}

func TestTable_OneOffSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, "T1", Options{})

	reply := make(chan SyncReply, 1)
	l.Inbox() <- Sync{ClientVersion: 0, Reply: reply}
	assert.False(t, (<-reply).OK)

	first := publish(t, l, 1, players(50))
	publish(t, l, 2, players(60))

	l.Inbox() <- Sync{ClientVersion: first.Version, Reply: reply}
	res := <-reply
	require.True(t, res.OK)
	assert.Equal(t, syncpolicy.TypeDelta, res.Result.Type)

	l.Inbox() <- Sync{ClientVersion: first.Version, Options: []syncpolicy.Option{syncpolicy.WithMaxDeltaSize(1)}, Reply: reply}
	res = <-reply
	assert.Equal(t, syncpolicy.TypeSnapshot, res.Result.Type)
	assert.Equal(t, 0, recvView(t, l).NumClients)
}

func TestTable_SendAfterShutdownDoesNotBlock(t *testing.T) {
	l := New(context.Background(), "T1", Options{})
	require.True(t, l.Send(context.Background(), Join{ClientID: "c1", Outbox: make(chan syncpolicy.Result, 1)}))
	require.True(t, l.Send(context.Background(), Shutdown{}))
	<-l.Done()

	done := make(chan int, 1)
	go func() {
		accepted := 0
		for i := 0; i < 200; i++ {
			if l.Send(context.Background(), Leave{ClientID: "c1"}) {
				accepted++
			}
		}
		done <- accepted
	}()
	select {
	case accepted := <-done:
		assert.Equal(t, 0, accepted)
	case <-time.After(time.Second):
		t.Fatalf("sender blocked on a stopped table")
	}
}

func TestTable_RejoinClosesPreviousOutbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, "T1", Options{})

	first := make(chan syncpolicy.Result, 1)
	second := make(chan syncpolicy.Result, 1)
	l.Inbox() <- Join{ClientID: "c1", Outbox: first}
	l.Inbox() <- Join{ClientID: "c1", Outbox: second}

	assert.Equal(t, 1, recvView(t, l).NumClients)
	_, open := <-first
	assert.False(t, open, "replaced outbox must be closed")

	publish(t, l, 1, players(10))
	recvResult(t, second, time.Second)
}
