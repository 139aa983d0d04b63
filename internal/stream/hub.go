package stream

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "booking:"
	channelSuffix = ":live"
)

// Hub fans reconciled samples out to local UI websocket clients, keyed
// by booking id. With a redis client it also publishes every broadcast
// and mirrors broadcasts from other tracker processes.
type Hub struct {
	id      string
	redis   *redis.Client
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// envelope wraps redis-published payloads so a hub can drop the echo of
// its own broadcasts.
type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

type Client struct {
	BookingID string
	Send      chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		id:      uuid.NewString(),
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.mirrorRedis()
	}
	return h
}

func (h *Hub) Register(bookingID string) *Client {
	client := &Client{
		BookingID: bookingID,
		Send:      make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[bookingID] == nil {
		h.clients[bookingID] = map[*Client]struct{}{}
	}
	h.clients[bookingID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if bookingClients, ok := h.clients[client.BookingID]; ok {
		delete(bookingClients, client)
		if len(bookingClients) == 0 {
			delete(h.clients, client.BookingID)
		}
	}
	close(client.Send)
}

// Broadcast delivers payload to every local client watching the
// booking; slow clients are skipped, not waited on.
func (h *Hub) Broadcast(bookingID string, payload []byte) {
	h.deliver(bookingID, payload)

	if h.redis != nil {
		wrapped, _ := json.Marshal(envelope{Origin: h.id, Data: payload})
		err := h.redis.Publish(context.Background(), redisChannel(bookingID), wrapped).Err()
		if err != nil {
			log.Printf("redis publish error: %v", err)
		}
	}
}

// deliver holds the read lock across the sends so Unregister cannot
// mutate the client set or close a Send channel mid-iteration. The
// sends are non-blocking, so the lock is never held on a full buffer.
func (h *Hub) deliver(bookingID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[bookingID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) mirrorRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		bookingID := bookingIDFromChannel(msg.Channel)
		if bookingID == "" {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Origin == h.id {
			continue
		}
		h.deliver(bookingID, env.Data)
	}
}

func redisChannel(bookingID string) string {
	return channelPrefix + bookingID + channelSuffix
}

// bookingIDFromChannel inverts redisChannel: booking:{id}:live.
func bookingIDFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	id := ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
	return id
}
