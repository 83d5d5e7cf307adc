package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Conn is a WebSocket observer. Sends are queued and written by a dedicated goroutine so a
// slow client never blocks a broadcast.
type Conn struct {
	ws           *websocket.Conn
	send         chan []byte
	mu           sync.Mutex
	backlog      [][]byte
	serving      bool
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

// NewConn wraps ws with an outbound queue of the given size.
func NewConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Conn{
		ws:           ws,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// Send queues msg for delivery.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrObserverClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.Close()
		return ErrObserverSlow
	}
}

// Replay queues the connect-time state ahead of any live event. Before Serve the messages
// go to an unbounded backlog written first, so a large replay never counts against the
// live queue. Once serving, they are sent like live events.
func (c *Conn) Replay(msgs [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrObserverClosed
	default:
	}
	if !c.serving {
		c.backlog = append(c.backlog, msgs...)
		return nil
	}
	for _, msg := range msgs {
		if err := c.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Serve runs the write loop and reads until the peer goes away or ctx ends. Incoming
// messages are ignored; reading only keeps ping/pong and close frames flowing.
func (c *Conn) Serve(ctx context.Context) {
	c.mu.Lock()
	c.serving = true
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	go c.writeLoop(backlog)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
	c.Close()
}

func (c *Conn) writeLoop(backlog [][]byte) {
	for _, msg := range backlog {
		if !c.write(websocket.TextMessage, msg) {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(kind int, msg []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(kind, msg); err != nil {
		c.Close()
		return false
	}
	return true
}
