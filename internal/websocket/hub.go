package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"magicwork-backend/internal/models"
	"magicwork-backend/internal/services"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshotter supplies the initial counts sent to a new watcher.
type Snapshotter interface {
	LiveCounts(ctx context.Context, spaceName string) map[int]int
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(data)
}

// writeLocked expects c.mu to be held.
func (c *client) writeLocked(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub relays live-count updates published on Redis to the websocket
// clients watching each space. A Redis subscription exists only while a
// space has at least one watcher.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string][]*client
	cancelFuncs map[string]context.CancelFunc
	redisClient *redis.Client
	snapshots   Snapshotter
	logger      *slog.Logger
}

func NewHub(redisClient *redis.Client, snapshots Snapshotter, logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[string][]*client),
		cancelFuncs: make(map[string]context.CancelFunc),
		redisClient: redisClient,
		snapshots:   snapshots,
		logger:      logger.With("component", "ws_hub"),
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	space := strings.TrimSpace(r.URL.Query().Get("space"))
	if space == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(models.ErrorResponse{Error: "Missing space parameter"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Broadcasts block on c.mu, so the snapshot is always the first frame
	// and nothing published after registration is lost.
	c := &client{conn: conn}
	c.mu.Lock()
	h.register(space, c)
	if h.snapshots != nil {
		data, err := json.Marshal(models.LiveCountsUpdate{
			Type:   "live_counts",
			Space:  space,
			Counts: services.StringKeyed(h.snapshots.LiveCounts(r.Context(), space)),
			At:     time.Now().UTC(),
		})
		if err == nil {
			c.writeLocked(data)
		}
	}
	c.mu.Unlock()

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregister(space, c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(space string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[space] = append(h.clients[space], c)

	if len(h.clients[space]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[space] = cancel
		go h.subscribe(ctx, space)
	}

	h.logger.Debug("watcher connected", "space", space, "watchers", len(h.clients[space]))
}

func (h *Hub) unregister(space string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.conn.Close()

	clients := h.clients[space]
	for i, existing := range clients {
		if existing == c {
			h.clients[space] = append(clients[:i], clients[i+1:]...)
			break
		}
	}

	if len(h.clients[space]) == 0 {
		delete(h.clients, space)
		if cancel, ok := h.cancelFuncs[space]; ok {
			cancel()
			delete(h.cancelFuncs, space)
		}
	}

	h.logger.Debug("watcher disconnected", "space", space)
}

func (h *Hub) subscribe(ctx context.Context, space string) {
	pubsub := h.redisClient.Subscribe(ctx, ChannelForSpace(space))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(space, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(space string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients[space] {
		if err := c.write(data); err != nil {
			h.logger.Debug("websocket write failed", "space", space, "error", err)
		}
	}
}

// Watchers reports how many sockets currently watch a space.
func (h *Hub) Watchers(space string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[space])
}

// Close drops every watcher and subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for space, clients := range h.clients {
		for _, c := range clients {
			c.conn.Close()
		}
		if cancel, ok := h.cancelFuncs[space]; ok {
			cancel()
		}
	}
	h.clients = make(map[string][]*client)
	h.cancelFuncs = make(map[string]context.CancelFunc)
}
