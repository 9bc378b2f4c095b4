// Package table runs one actor goroutine per poker table. The actor owns the
// table's snapshot history and its connected clients, turns published state
// into per-client sync results, and answers recovery and action requests.
package table

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/table-sync/internal/conflict"
	"github.com/DoyleJ11/table-sync/internal/engine"
	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/metrics"
	"github.com/DoyleJ11/table-sync/internal/recovery"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
	"github.com/DoyleJ11/table-sync/internal/state"
	"github.com/DoyleJ11/table-sync/internal/syncpolicy"
)

type Msg interface{ isTableMsg() }

// Publish captures a new state from the rules engine and syncs every client.
// Reply is optional.
type Publish struct {
	Game    state.GameState
	Players state.Players
	Reply   chan PublishResult
}

func (Publish) isTableMsg() {}

type PublishResult struct {
	Snapshot *snapshot.Snapshot
	Err      error
}

// Join registers a client. If the table has state, the client is synced
// from LastVersion right away.
type Join struct {
	ClientID    string
	LastVersion int64
	Outbox      chan syncpolicy.Result
	Options     []syncpolicy.Option
}

func (Join) isTableMsg() {}

type Leave struct{ ClientID string }

func (Leave) isTableMsg() {}

// Recover answers on Reply. On success the client's version moves to the
// recovered version.
type Recover struct {
	ClientID string
	Request  recovery.Request
	Reply    chan recovery.Response
}

func (Recover) isTableMsg() {}

type SubmitActions struct {
	Actions  []conflict.Action
	Strategy conflict.Strategy
	Rules    conflict.AuthorityRules
	Reply    chan ActionsResult
}

func (SubmitActions) isTableMsg() {}

type ActionsResult struct {
	Actions []conflict.Action
	Err     error
}

// Sync answers a one-off sync request without registering a client. Reply
// gets false when the table has no state yet.
type Sync struct {
	ClientVersion int64
	Options       []syncpolicy.Option
	Reply         chan SyncReply
}

func (Sync) isTableMsg() {}

type SyncReply struct {
	Result syncpolicy.Result
	OK     bool
}

type GetState struct {
	Reply chan View
}

func (GetState) isTableMsg() {}

type Shutdown struct{}

func (Shutdown) isTableMsg() {}

// recovered moves a client's version after an off-loop recovery.
type recovered struct {
	clientID string
	version  int64
}

func (recovered) isTableMsg() {}

type View struct {
	ID         string
	Version    int64
	NumClients int
	HistoryLen int
	Latest     *snapshot.Snapshot
}

type Options struct {
	MaxHistorySize int
	StartVersion   int64
	Seed           *snapshot.Snapshot
	Archiver       snapshot.Archiver
	// History wraps the in-memory history, e.g. to fall back to an archive.
	History func(mem snapshot.History) snapshot.History
	Engine  *engine.Engine
	Policy  syncpolicy.Options
	// FanOut bounds concurrent per-client sync decisions.
	FanOut int
	Log    *zap.Logger
}

type client struct {
	version int64
	outbox  chan syncpolicy.Result
	opts    []syncpolicy.Option
}

type Table struct {
	id       string
	inbox    chan Msg
	snaps    *snapshot.Manager
	history  snapshot.History
	policy   *syncpolicy.Policy
	recovery *recovery.Manager
	clients  map[string]*client
	fanOut   int
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(parent context.Context, id string, opts Options) *Table {
	ctx, cancel := context.WithCancel(parent)
	log := logging.OrNop(opts.Log).With(zap.String("table", id))
	eng := opts.Engine
	if eng == nil {
		eng = engine.New()
	}
	if opts.Policy == (syncpolicy.Options{}) {
		opts.Policy = syncpolicy.DefaultOptions()
	}
	fanOut := opts.FanOut
	if fanOut <= 0 {
		fanOut = 8
	}

	snapOpts := []snapshot.Option{
		snapshot.WithTable(id),
		snapshot.WithLogger(log),
		snapshot.WithMaxHistorySize(opts.MaxHistorySize),
		snapshot.WithStartVersion(opts.StartVersion),
		snapshot.WithSeed(opts.Seed),
	}
	if opts.Archiver != nil {
		snapOpts = append(snapOpts, snapshot.WithArchiver(opts.Archiver))
	}
	snaps := snapshot.NewManager(snapOpts...)

	var history snapshot.History = snaps
	if opts.History != nil {
		history = opts.History(snaps)
	}

	t := &Table{
		id:       id,
		inbox:    make(chan Msg, 64),
		snaps:    snaps,
		history:  history,
		policy:   syncpolicy.New(eng, history, opts.Policy, log),
		recovery: recovery.New(eng, log),
		clients:  make(map[string]*client),
		fanOut:   fanOut,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Table) ID() string { return t.id }

// Inbox accepts messages for the actor.
func (t *Table) Inbox() chan<- Msg { return t.inbox }

// Done is closed once the actor has stopped and every outbox is closed.
func (t *Table) Done() <-chan struct{} { return t.done }

// Send delivers m to the actor. It reports false, without blocking, once
// the table has stopped, and gives up when ctx ends.
func (t *Table) Send(ctx context.Context, m Msg) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.inbox <- m:
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Table) loop() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			t.shutdown()
			return

		case m := <-t.inbox:
			switch msg := m.(type) {
			case Publish:
				snap, err := t.snaps.Create(msg.Game, msg.Players)
				if msg.Reply != nil {
					msg.Reply <- PublishResult{Snapshot: snap, Err: err}
				}
				if err != nil {
					t.log.Warn("publish rejected", zap.Error(err))
					break
				}
				t.syncAll(snap)

			case Join:
				if old, ok := t.clients[msg.ClientID]; ok && old.outbox != msg.Outbox {
					close(old.outbox)
				}
				c := &client{version: msg.LastVersion, outbox: msg.Outbox, opts: msg.Options}
				t.clients[msg.ClientID] = c
				if latest, ok := t.snaps.Latest(); ok {
					t.send(msg.ClientID, c, t.policy.Decide(c.version, latest, c.opts...), latest.Version)
				}

			case Leave:
				delete(t.clients, msg.ClientID)

			case Recover:
				latest, _ := t.snaps.Latest()
				go t.recover(msg, latest)

			case recovered:
				if c, ok := t.clients[msg.clientID]; ok && msg.version > c.version {
					c.version = msg.version
				}

			case Sync:
				latest, ok := t.snaps.Latest()
				if !ok {
					msg.Reply <- SyncReply{}
					break
				}
				go func() {
					msg.Reply <- SyncReply{Result: t.policy.Decide(msg.ClientVersion, latest, msg.Options...), OK: true}
				}()

			case SubmitActions:
				// Pure and bounded; no need to leave the loop.
				resolved, err := conflict.Resolve(msg.Actions, msg.Strategy, msg.Rules)
				msg.Reply <- ActionsResult{Actions: resolved, Err: err}

			case GetState:
				latest, _ := t.snaps.Latest()
				msg.Reply <- View{
					ID:         t.id,
					Version:    t.snaps.Version(),
					NumClients: len(t.clients),
					HistoryLen: t.snaps.Len(),
					Latest:     latest,
				}

			case Shutdown:
				t.shutdown()
				return
			}
		}
	}
}

// recover runs off the loop since the history may reach into the archive.
func (t *Table) recover(msg Recover, latest *snapshot.Snapshot) {
	res := t.recovery.Recover(msg.Request, latest, t.history)
	msg.Reply <- res
	if res.Success && msg.ClientID != "" {
		select {
		case t.inbox <- recovered{clientID: msg.ClientID, version: res.Updates.ToVersion}:
		case <-t.ctx.Done():
		}
	}
}

// syncAll decides every client's result concurrently, then delivers them
// from the loop so the client map is never shared.
func (t *Table) syncAll(snap *snapshot.Snapshot) {
	if len(t.clients) == 0 {
		return
	}
	ids := make([]string, 0, len(t.clients))
	for id := range t.clients {
		ids = append(ids, id)
	}
	results := make([]syncpolicy.Result, len(ids))

	var g errgroup.Group
	g.SetLimit(t.fanOut)
	for i, id := range ids {
		i := i
		c := t.clients[id]
		g.Go(func() error {
			results[i] = t.policy.Decide(c.version, snap, c.opts...)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		t.send(id, t.clients[id], results[i], snap.Version)
	}
}

// send drops a client whose outbox is full.
func (t *Table) send(id string, c *client, res syncpolicy.Result, version int64) {
	select {
	case c.outbox <- res:
		c.version = version
	default:
		close(c.outbox)
		delete(t.clients, id)
		metrics.ClientsDropped.Inc()
		t.log.Warn("dropping slow client", zap.String("client", id), zap.Int64("version", version))
	}
}

func (t *Table) shutdown() {
	for id, c := range t.clients {
		close(c.outbox)
		delete(t.clients, id)
	}
	t.cancel()
	t.log.Debug("table stopped", zap.Int64("version", t.snaps.Version()))
}
