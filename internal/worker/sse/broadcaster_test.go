package sse

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEvent reads the next "data:" frame from an SSE stream.
func readEvent(t *testing.T, r *bufio.Reader) Event {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			var e Event
			require.NoError(t, json.Unmarshal([]byte(data), &e))
			return e
		}
	}
}

func connect(t *testing.T, url string) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() {
		cancel()
		resp.Body.Close()
	}
}

func TestBroadcaster_ProjectFilter(t *testing.T) {
	b := NewBroadcaster()
	srv := httptest.NewServer(http.HandlerFunc(b.HandleSSE))
	defer srv.Close()

	all, closeAll := connect(t, srv.URL)
	defer closeAll()
	p1, closeP1 := connect(t, srv.URL+"?project=p1")
	defer closeP1()

	assert.Equal(t, EventConnected, readEvent(t, all).Type)
	hello := readEvent(t, p1)
	assert.Equal(t, EventConnected, hello.Type)
	assert.NotEmpty(t, hello.ClientID)

	require.Eventually(t, func() bool { return b.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	b.Broadcast(Event{Type: EventOccurrence, ProjectID: "p2", GroupID: "g2"})
	b.Broadcast(Event{Type: EventOccurrence, ProjectID: "p1", GroupID: "g1", Created: true})

	// The unfiltered client sees both, in order.
	assert.Equal(t, "g2", readEvent(t, all).GroupID)
	assert.Equal(t, "g1", readEvent(t, all).GroupID)

	// The p1 client only sees its own project.
	e := readEvent(t, p1)
	assert.Equal(t, "g1", e.GroupID)
	assert.True(t, e.Created)
}

func TestBroadcaster_RemovesDisconnected(t *testing.T) {
	b := NewBroadcaster()
	srv := httptest.NewServer(http.HandlerFunc(b.HandleSSE))
	defer srv.Close()

	r, closeConn := connect(t, srv.URL)
	readEvent(t, r)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	closeConn()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

// brokenWriter fails every write.
type brokenWriter struct{ httptest.ResponseRecorder }

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestBroadcaster_DropsFailingClient(t *testing.T) {
	b := NewBroadcaster()
	c, err := b.AddClient(&brokenWriter{ResponseRecorder: *httptest.NewRecorder()}, "")
	require.NoError(t, err)

	b.Broadcast(Event{Type: EventOccurrence, GroupID: "g"})

	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-c.Done:
	default:
		t.Fatal("client should be closed")
	}
}

func TestBroadcaster_NoClients(t *testing.T) {
	b := NewBroadcaster()
	b.Broadcast(Event{Type: EventOccurrence})
	assert.Equal(t, 0, b.ClientCount())
}
