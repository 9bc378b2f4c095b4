package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/table"
)

type HubMsg interface{ isHubMsg() }

// Factory starts the actor for a new table.
type Factory func(ctx context.Context, id string) *table.Table

type CreateTable struct {
	ID    string
	Reply chan *table.Table
}

type GetTable struct {
	ID    string
	Reply chan *table.Table
}

// EnsureTable returns the table, creating it on first use.
type EnsureTable struct {
	ID    string
	Reply chan *table.Table
}

type RemoveTable struct {
	ID string
}

type ListTables struct {
	Reply chan []string
}

// ShutdownHub stops every table; Done is closed once they have all stopped.
type ShutdownHub struct {
	Done chan struct{}
}

func (CreateTable) isHubMsg() {}
func (GetTable) isHubMsg()    {}
func (EnsureTable) isHubMsg() {}
func (RemoveTable) isHubMsg() {}
func (ListTables) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	tables  map[string]*table.Table
	factory Factory
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, factory Factory, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	log = logging.OrNop(log)
	if factory == nil {
		factory = func(ctx context.Context, id string) *table.Table {
			return table.New(ctx, id, table.Options{Log: log})
		}
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		tables:  make(map[string]*table.Table),
		factory: factory,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateTable:
				msg.Reply <- h.ensure(msg.ID)

			case GetTable:
				msg.Reply <- h.tables[msg.ID] // may be nil

			case EnsureTable:
				msg.Reply <- h.ensure(msg.ID)

			case RemoveTable:
				if tb := h.tables[msg.ID]; tb != nil {
					tb.Send(h.ctx, table.Shutdown{})
					delete(h.tables, msg.ID)
					h.log.Info("table removed", zap.String("table", msg.ID))
				}

			case ListTables:
				ids := make([]string, 0, len(h.tables))
				for id := range h.tables {
					ids = append(ids, id)
				}
				msg.Reply <- ids

			case ShutdownHub:
				for _, tb := range h.tables {
					tb.Send(h.ctx, table.Shutdown{})
				}
				for _, tb := range h.tables {
					<-tb.Done()
				}
				clear(h.tables)
				h.cancel()
				if msg.Done != nil {
					close(msg.Done)
				}
				return
			}
		}
	}
}

func (h *Hub) ensure(id string) *table.Table {
	if tb := h.tables[id]; tb != nil {
		return tb
	}
	tb := h.factory(h.ctx, id)
	h.tables[id] = tb
	h.log.Info("table created", zap.String("table", id))
	return tb
}

// Get asks the hub for a table; it returns nil if none exists.
func (h *Hub) Get(id string) *table.Table {
	reply := make(chan *table.Table, 1)
	return h.ask(GetTable{ID: id, Reply: reply}, reply)
}

// Ensure returns the table, creating it if needed.
func (h *Hub) Ensure(id string) *table.Table {
	reply := make(chan *table.Table, 1)
	return h.ask(EnsureTable{ID: id, Reply: reply}, reply)
}

// Remove stops and forgets a table. It is a no-op once the hub has stopped.
func (h *Hub) Remove(id string) {
	select {
	case h.inbox <- RemoveTable{ID: id}:
	case <-h.ctx.Done():
	}
}

// ask returns nil once the hub has stopped.
func (h *Hub) ask(msg HubMsg, reply chan *table.Table) *table.Table {
	select {
	case h.inbox <- msg:
	case <-h.ctx.Done():
		return nil
	}
	select {
	case tb := <-reply:
		return tb
	case <-h.ctx.Done():
		return nil
	}
}

// Shutdown stops all tables and the hub, waiting until they have stopped
// or ctx ends.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case h.inbox <- ShutdownHub{Done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
