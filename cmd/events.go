package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/planner"
)

const eventBufferSize = 256

// eventMessage is one websocket frame.
type eventMessage struct {
	Type  string    `json:"type"`
	Job   string    `json:"job,omitempty"`
	Table string    `json:"table,omitempty"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

type planEvent struct {
	Strategy  string   `json:"strategy"`
	Chunks    int      `json:"chunks"`
	KeyColumn string   `json:"key_column,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

type chunkEvent struct {
	Index      int    `json:"index"`
	Status     string `json:"status"`
	Rows       int64  `json:"rows"`
	Bytes      int64  `json:"bytes"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// wsClient serializes writes to one connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// eventHub streams exporter callbacks to websocket clients. Callbacks never block: when the
// buffer is full the event is dropped.
type eventHub struct {
	upgrader websocket.Upgrader
	snapshot func() any
	logger   *slog.Logger

	events  chan eventMessage
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

var _ exporter.Observer = (*eventHub)(nil)

// newEventHub creates a hub. snapshot, if set, is sent to every client when it connects.
func newEventHub(snapshot func() any, log *slog.Logger) *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{
			// local monitoring endpoint, same trust as /metrics
			CheckOrigin: func(*http.Request) bool { return true },
		},
		snapshot: snapshot,
		logger:   log.With("component", "events"),
		events:   make(chan eventMessage, eventBufferSize),
		clients:  make(map[*wsClient]struct{}),
	}
}

func (h *eventHub) publish(msg eventMessage) {
	msg.Time = time.Now()
	select {
	case h.events <- msg:
	default:
		h.logger.Debug("event buffer full, dropping event", "type", msg.Type, "job", msg.Job)
	}
}

func (h *eventHub) JobStatusChanged(jobID string, status exporter.JobStatus) {
	h.publish(eventMessage{Type: "job_status", Job: jobID, Data: status})
}

func (h *eventHub) TableStatusChanged(jobID, table string, status exporter.TableStatus) {
	h.publish(eventMessage{Type: "table_status", Job: jobID, Table: table, Data: status})
}

func (h *eventHub) TablePlanned(jobID, table string, plan planner.Plan) {
	h.publish(eventMessage{Type: "table_planned", Job: jobID, Table: table, Data: planEvent{
		Strategy:  string(plan.Strategy),
		Chunks:    len(plan.Chunks),
		KeyColumn: plan.KeyColumn,
		Warnings:  plan.Warnings,
	}})
}

func (h *eventHub) ChunkFinished(jobID, table string, outcome exporter.ChunkOutcome) {
	ev := chunkEvent{
		Index:      outcome.Index,
		Status:     string(outcome.Status),
		Rows:       outcome.Rows,
		Bytes:      outcome.Bytes,
		Attempts:   outcome.Attempts,
		DurationMS: outcome.Duration.Milliseconds(),
	}
	if outcome.Err != nil {
		ev.Error = outcome.Err.Error()
	}
	h.publish(eventMessage{Type: "chunk_finished", Job: jobID, Table: table, Data: ev})
}

// Run delivers buffered events until ctx is done, then closes every connection.
func (h *eventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.events:
			h.broadcast(msg)
		}
	}
}

func (h *eventHub) broadcast(msg eventMessage) {
	h.mu.RLock()
	var failed []*wsClient
	for c := range h.clients {
		if err := c.writeJSON(msg); err != nil {
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, c := range failed {
			c.conn.Close()
			delete(h.clients, c)
		}
		h.mu.Unlock()
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until the client leaves.
func (h *eventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
	}()

	if h.snapshot != nil {
		if err := client.writeJSON(eventMessage{Type: "server", Time: time.Now(), Data: h.snapshot()}); err != nil {
			return
		}
	}

	// clients only listen, reading detects the disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket client error", "error", err)
			}
			return
		}
	}
}
