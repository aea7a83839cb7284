package fanout

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one subscriber connection. Writes are serialized; gorilla allows a
// single concurrent writer.
type Conn struct {
	id uuid.UUID
	ws *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu      sync.RWMutex
	pairs   []string
	pushing bool     // initial snapshot in progress
	pending [][]byte // broadcasts held until the snapshot is out

	open      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		id:           uuid.New(),
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *Conn) ID() uuid.UUID { return c.id }

func (c *Conn) IsOpen() bool { return c.open.Load() }

// Pairs returns the pairs named by the latest subscribe message.
func (c *Conn) Pairs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.pairs...)
}

func (c *Conn) setPairs(pairs []string) {
	c.mu.Lock()
	c.pairs = append([]string(nil), pairs...)
	c.mu.Unlock()
}

// maxPending bounds the broadcasts held during an initial push; the oldest
// is dropped past it.
const maxPending = 64

func (c *Conn) beginPush() {
	c.mu.Lock()
	c.pushing = true
	c.mu.Unlock()
}

// endPush writes every broadcast held since beginPush, in arrival order, then
// lets broadcasts through directly again.
func (c *Conn) endPush() error {
	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		if len(batch) == 0 {
			c.pushing = false
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		for _, data := range batch {
			if err := c.writeRaw(data); err != nil {
				c.mu.Lock()
				c.pushing = false
				c.pending = nil
				c.mu.Unlock()
				return err
			}
		}
	}
}

// deliver writes a broadcast, or holds it while an initial push is running.
func (c *Conn) deliver(data []byte) error {
	c.mu.Lock()
	if c.pushing {
		if len(c.pending) == maxPending {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.writeRaw(data)
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *Conn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsOpen() {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsOpen() {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.writeTimeout))
}

// close sends a close frame once and releases the socket. The heartbeat
// goroutine watches done and exits with it.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.open.Store(false)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		close(c.done)
		_ = c.ws.Close()
	})
}
