// Package sse streams ingestion events to dashboard clients.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// WriteTimeout is the timeout for writing to SSE clients.
	WriteTimeout = 2 * time.Second

	// EventOccurrence is sent after every stored occurrence.
	EventOccurrence = "occurrence"
	// EventConnected is the first message on every stream.
	EventConnected = "connected"
)

var errClientClosed = errors.New("sse client closed")

// Event is one message pushed to clients.
type Event struct {
	Type        string `json:"type"`
	ProjectID   string `json:"projectId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Environment string `json:"environment,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	Created     bool   `json:"created,omitempty"`
}

// Client represents a connected SSE client. An empty ProjectID receives
// events for every project.
type Client struct {
	Writer    http.ResponseWriter
	Flusher   http.Flusher
	Done      chan struct{}
	ID        string
	ProjectID string
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// send writes one framed message. Writes to a client are serialized and
// never happen after the client is closed.
func (c *Client) send(message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.Done:
		return errClientClosed
	default:
	}
	if _, err := c.Writer.Write([]byte(message)); err != nil {
		return err
	}
	c.Flusher.Flush()
	return nil
}

// close waits for an in-flight send before marking the client done.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.Done)
		c.writeMu.Unlock()
	})
}

func (c *Client) wants(e Event) bool {
	return c.ProjectID == "" || e.ProjectID == "" || c.ProjectID == e.ProjectID
}

// Broadcaster manages SSE client connections and message broadcasting.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient registers a streaming connection filtered to projectID.
func (b *Broadcaster) AddClient(w http.ResponseWriter, projectID string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:        id,
		ProjectID: projectID,
		Writer:    w,
		Flusher:   flusher,
		Done:      make(chan struct{}),
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("clientId", id).
		Str("projectId", projectID).
		Int("totalClients", clientCount).
		Msg("SSE client connected")

	return client, nil
}

// RemoveClient removes a client connection. Safe to call more than once.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	clientCount := len(b.clients)
	b.mu.Unlock()

	client.close()

	log.Debug().
		Str("clientId", client.ID).
		Int("totalClients", clientCount).
		Msg("SSE client disconnected")
}

// Broadcast sends e to every interested client. Clients whose write fails
// or stalls past WriteTimeout are dropped.
func (b *Broadcaster) Broadcast(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", data)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		if client.wants(e) {
			clients = append(clients, client)
		}
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	deadCh := make(chan *Client, len(clients))
	var wg sync.WaitGroup
	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if !b.writeToClient(c, message) {
				deadCh <- c
			}
		}(client)
	}
	wg.Wait()
	close(deadCh)

	for c := range deadCh {
		// A stalled write still holds the client's lock; don't wait on it here.
		go b.RemoveClient(c)
	}
}

// writeToClient reports whether the message reached the client in time.
func (b *Broadcaster) writeToClient(client *Client, message string) bool {
	result := make(chan error, 1)
	go func() {
		result <- client.send(message)
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Str("clientId", client.ID).Err(err).Msg("Failed to write to SSE client")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", client.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out")
		return false
	case <-client.Done:
		return true
	}
}

// CloseAll disconnects every client.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE serves GET /api/events[?project=ID].
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	client, err := b.AddClient(w, r.URL.Query().Get("project"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	hello, _ := json.Marshal(Event{Type: EventConnected, ClientID: client.ID})
	if err := client.send(fmt.Sprintf("data: %s\n\n", hello)); err != nil {
		return
	}

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
