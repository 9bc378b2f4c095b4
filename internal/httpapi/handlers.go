package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/conflict"
	"github.com/DoyleJ11/table-sync/internal/hub"
	"github.com/DoyleJ11/table-sync/internal/recovery"
	"github.com/DoyleJ11/table-sync/internal/state"
	"github.com/DoyleJ11/table-sync/internal/syncpolicy"
	"github.com/DoyleJ11/table-sync/internal/table"
)

const (
	idLength     = 6
	replyTimeout = 5 * time.Second
	maxBody      = 4 << 20
)

var (
	errTimeout = errors.New("table did not answer")
	errStopped = errors.New("table stopped")
)

// GenerateID returns a random table id such as "K7Q2ZD".
func GenerateID() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	id := make([]byte, idLength)
	for i := range id {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		id[i] = charset[num.Int64()]
	}
	return string(id), nil
}

type api struct {
	hub *hub.Hub
	log *zap.Logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// ask sends msg to the table and waits for its reply on reply.
func ask[T any](r *http.Request, tb *table.Table, msg table.Msg, reply chan T) (T, error) {
	var zero T
	if !tb.Send(r.Context(), msg) {
		return zero, errStopped
	}
	select {
	case v := <-reply:
		return v, nil
	case <-tb.Done():
		return zero, errStopped
	case <-time.After(replyTimeout):
		return zero, errTimeout
	case <-r.Context().Done():
		return zero, r.Context().Err()
	}
}

// table resolves {id}, answering 404 itself when the table is unknown.
func (a *api) table(w http.ResponseWriter, r *http.Request) *table.Table {
	id := chi.URLParam(r, "id")
	tb := a.hub.Get(id)
	if tb == nil {
		writeError(w, http.StatusNotFound, errors.New("table not found"))
	}
	return tb
}

func (a *api) CreateTable(w http.ResponseWriter, r *http.Request) {
	var id string
	for {
		c, err := GenerateID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, errors.New("failed to generate table id"))
			return
		}
		if a.hub.Get(c) == nil {
			id = c
			break
		}
		a.log.Debug("table id collision, regenerating", zap.String("table", c))
	}

	if a.hub.Ensure(id) == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("failed to create table"))
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		ID string `json:"id"`
	}{ID: id})
}

func (a *api) RemoveTable(w http.ResponseWriter, r *http.Request) {
	tb := a.table(w, r)
	if tb == nil {
		return
	}
	a.hub.Remove(tb.ID())
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	GameState    *state.GameState `json:"gameState"`
	PlayerStates state.Players    `json:"playerStates"`
}

// PublishState records the rules engine's latest state for the table and
// pushes it to every connected client.
func (a *api) PublishState(w http.ResponseWriter, r *http.Request) {
	tb := a.table(w, r)
	if tb == nil {
		return
	}
	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.GameState == nil {
		writeError(w, http.StatusBadRequest, errors.New("gameState is required"))
		return
	}
	if req.PlayerStates == nil {
		req.PlayerStates = state.Players{}
	}

	reply := make(chan table.PublishResult, 1)
	res, err := ask(r, tb, table.Publish{Game: *req.GameState, Players: req.PlayerStates, Reply: reply}, reply)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if res.Err != nil {
		writeError(w, http.StatusUnprocessableEntity, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Version int64  `json:"version"`
		Hash    string `json:"hash"`
	}{Version: res.Snapshot.Version, Hash: res.Snapshot.Hash})
}

func (a *api) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	tb := a.table(w, r)
	if tb == nil {
		return
	}
	reply := make(chan table.View, 1)
	view, err := ask(r, tb, table.GetState{Reply: reply}, reply)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if view.Latest == nil {
		writeError(w, http.StatusNotFound, errors.New("table has no state yet"))
		return
	}
	writeJSON(w, http.StatusOK, view.Latest)
}

// Sync answers GET ?version=N with either a delta or a full snapshot.
// maxDeltaSize, threshold and compressed override the server defaults.
func (a *api) Sync(w http.ResponseWriter, r *http.Request) {
	tb := a.table(w, r)
	if tb == nil {
		return
	}
	q := r.URL.Query()
	version, err := strconv.ParseInt(q.Get("version"), 10, 64)
	if err != nil || version < 0 {
		writeError(w, http.StatusBadRequest, errors.New("version must be a non-negative integer"))
		return
	}
	var opts []syncpolicy.Option
	if v := q.Get("maxDeltaSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("bad maxDeltaSize"))
			return
		}
		opts = append(opts, syncpolicy.WithMaxDeltaSize(n))
	}
	if v := q.Get("threshold"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("bad threshold"))
			return
		}
		opts = append(opts, syncpolicy.WithVersionDiffThreshold(n))
	}
	if v := q.Get("compressed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("bad compressed"))
			return
		}
		opts = append(opts, syncpolicy.WithCompressedSizing(b))
	}

	reply := make(chan table.SyncReply, 1)
	res, err := ask(r, tb, table.Sync{ClientVersion: version, Options: opts, Reply: reply}, reply)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if !res.OK {
		writeError(w, http.StatusNotFound, errors.New("table has no state yet"))
		return
	}
	writeJSON(w, http.StatusOK, res.Result)
}

// Recover always answers 200; a failed recovery is a normal outcome that
// tells the client to fetch a snapshot.
func (a *api) Recover(w http.ResponseWriter, r *http.Request) {
	tb := a.table(w, r)
	if tb == nil {
		return
	}
	var req recovery.Request
	if !decodeBody(w, r, &req) {
		return
	}
	reply := make(chan recovery.Response, 1)
	res, err := ask(r, tb, table.Recover{Request: req, Reply: reply}, reply)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveRequest struct {
	Actions        []conflict.Action       `json:"actions"`
	Strategy       string                  `json:"strategy"`
	AuthorityRules conflict.AuthorityRules `json:"authorityRules"`
}

func (a *api) ResolveActions(w http.ResponseWriter, r *http.Request) {
	tb := a.table(w, r)
	if tb == nil {
		return
	}
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	strategy := conflict.StrategyAuthority
	if req.Strategy != "" {
		st, err := conflict.ParseStrategy(req.Strategy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		strategy = st
	}

	reply := make(chan table.ActionsResult, 1)
	msg := table.SubmitActions{Actions: req.Actions, Strategy: strategy, Rules: req.AuthorityRules, Reply: reply}
	res, err := ask(r, tb, msg, reply)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if res.Err != nil {
		writeError(w, http.StatusUnprocessableEntity, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Actions []conflict.Action `json:"actions"`
	}{Actions: res.Actions})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
