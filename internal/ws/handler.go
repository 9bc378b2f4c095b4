package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/conflict"
	"github.com/DoyleJ11/table-sync/internal/hub"
	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/recovery"
	"github.com/DoyleJ11/table-sync/internal/syncpolicy"
	"github.com/DoyleJ11/table-sync/internal/table"
	"github.com/DoyleJ11/table-sync/internal/types"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 3 * time.Second
	replyTimeout = 5 * time.Second
	outboxSize   = 16
)

var (
	errAlreadyJoined = errors.New("already joined")
	errNotJoined     = errors.New("send hello first")
	errTimeout       = errors.New("table did not answer")
	errStopped       = errors.New("table stopped")
)

// Handler serves /ws?table=ID[&version=N]. With a version the client joins
// immediately; otherwise its first message must be hello.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	log = logging.OrNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("table")
		if id == "" {
			http.Error(w, "missing table", http.StatusBadRequest)
			return
		}
		var joinVersion *int64
		if v := r.URL.Query().Get("version"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				http.Error(w, "bad version", http.StatusBadRequest)
				return
			}
			joinVersion = &n
		}

		tb := h.Get(id)
		if tb == nil {
			http.Error(w, "table not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		s := &session{
			id:   uuid.NewString(),
			conn: conn,
			tb:   tb,
			out:  make(chan syncpolicy.Result, outboxSize),
			log:  log.With(zap.String("table", id)),
		}
		s.run(r.Context(), joinVersion)
	}
}

type session struct {
	id     string
	conn   *websocket.Conn
	tb     *table.Table
	out    chan syncpolicy.Result
	joined bool
	log    *zap.Logger
}

func (s *session) run(ctx context.Context, joinVersion *int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if joinVersion != nil && !s.join(ctx, *joinVersion, nil) {
		s.conn.Close(websocket.StatusGoingAway, errStopped.Error())
		return
	}
	defer func() {
		if s.joined {
			s.tb.Send(context.Background(), table.Leave{ClientID: s.id})
		}
	}()

	// Writer goroutine; the table closes out when it drops this client or
	// stops.
	go func() {
		for {
			select {
			case res, ok := <-s.out:
				if !ok {
					s.log.Info("client dropped by table", zap.String("client", s.id))
					s.conn.Close(websocket.StatusTryAgainLater, "too slow")
					return
				}
				s.write(ctx, types.Sync(res))
			case <-s.tb.Done():
				s.conn.Close(websocket.StatusGoingAway, errStopped.Error())
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader loop
	for {
		rctx, rcancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := s.conn.Read(rctx)
		rcancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				s.log.Debug("read ended", zap.String("client", s.id), zap.Error(err))
			}
			return
		}

		msg, err := types.DecodeClient(data)
		if err != nil {
			s.write(ctx, types.Error(err))
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *session) join(ctx context.Context, version int64, opts []syncpolicy.Option) bool {
	s.joined = s.tb.Send(ctx, table.Join{ClientID: s.id, LastVersion: version, Outbox: s.out, Options: opts})
	return s.joined
}

func (s *session) handle(ctx context.Context, msg types.ClientMessage) {
	switch msg.Type {
	case types.TypeHello:
		if s.joined {
			s.write(ctx, types.Error(errAlreadyJoined))
			return
		}
		if !s.join(ctx, msg.LastVersion, msg.SyncOptions()) {
			s.write(ctx, types.Error(errStopped))
		}

	case types.TypeRecover:
		if !s.joined {
			s.write(ctx, types.Error(errNotJoined))
			return
		}
		reply := make(chan recovery.Response, 1)
		sent := s.tb.Send(ctx, table.Recover{
			ClientID: s.id,
			Request:  recovery.Request{ClientVersion: msg.ClientVersion, ClientHash: msg.ClientHash},
			Reply:    reply,
		})
		if !sent {
			s.write(ctx, types.Error(errStopped))
			return
		}
		select {
		case res := <-reply:
			s.write(ctx, types.Recovery(res))
		case <-s.tb.Done():
			s.write(ctx, types.Error(errStopped))
		case <-time.After(replyTimeout):
			s.write(ctx, types.Error(errTimeout))
		case <-ctx.Done():
		}

	case types.TypeActions:
		strategy := conflict.StrategyAuthority
		if msg.Strategy != "" {
			st, err := conflict.ParseStrategy(msg.Strategy)
			if err != nil {
				s.write(ctx, types.Error(err))
				return
			}
			strategy = st
		}
		var rules conflict.AuthorityRules
		if msg.AuthorityRules != nil {
			rules = *msg.AuthorityRules
		}
		reply := make(chan table.ActionsResult, 1)
		if !s.tb.Send(ctx, table.SubmitActions{Actions: msg.Actions, Strategy: strategy, Rules: rules, Reply: reply}) {
			s.write(ctx, types.Error(errStopped))
			return
		}
		select {
		case res := <-reply:
			if res.Err != nil {
				s.write(ctx, types.Error(res.Err))
				return
			}
			s.write(ctx, types.Resolved(res.Actions))
		case <-s.tb.Done():
			s.write(ctx, types.Error(errStopped))
		case <-time.After(replyTimeout):
			s.write(ctx, types.Error(errTimeout))
		case <-ctx.Done():
		}
	}
}

// write is safe from both goroutines; websocket.Conn serialises writers.
func (s *session) write(ctx context.Context, msg types.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode server message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = s.conn.Write(wctx, websocket.MessageText, payload)
}
