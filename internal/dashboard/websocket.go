package dashboard

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single write to a client, including the close frame.
const writeWait = 10 * time.Second

// wsHub owns the set of live-feed clients and fans every feed message
// (new entries, verification results) out to them.
//
// A single goroutine, run, handles registration, removal, broadcasting and
// count queries. Every access to connections goes through a channel into
// that goroutine, so the map needs no lock. Closing a client's send
// channel is also done only there, which is what ends its writePump.
type wsHub struct {
	// connections is the set of registered clients.
	connections map[*wsConn]bool

	// broadcastCh carries encoded feed messages to fan out.
	broadcastCh chan []byte

	// registerCh and unregisterCh add and remove clients.
	registerCh   chan *wsConn
	unregisterCh chan *wsConn

	// countCh answers count() with a snapshot taken inside run.
	countCh chan chan int

	// done is closed by stop. run drops every client and returns, and
	// senders select on it so they never block on a dead hub.
	done     chan struct{}
	stopOnce sync.Once
}

// wsConn wraps a single websocket client. send is buffered; the hub
// drops a client whose buffer is full instead of waiting for it.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// The API is served on loopback by default; the feed accepts any origin
// so local tools can subscribe.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWSHub creates a hub. The caller starts run in its own goroutine.
func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		countCh:      make(chan chan int),
		done:         make(chan struct{}),
	}
}

// run is the hub event loop. It returns after stop, once every client's
// send channel has been closed.
func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			h.drop(conn)
			slog.Debug("websocket client disconnected", "total", len(h.connections))

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// The client's buffer is full. Dropping it keeps one
					// slow reader from stalling the feed for everyone; its
					// writePump exits when send is closed.
					h.drop(conn)
				}
			}

		case reply := <-h.countCh:
			reply <- len(h.connections)

		case <-h.done:
			for conn := range h.connections {
				h.drop(conn)
			}
			return
		}
	}
}

// drop unregisters conn and closes its send channel. It only runs on the
// hub goroutine and ignores clients that are already gone.
func (h *wsHub) drop(conn *wsConn) {
	if _, ok := h.connections[conn]; ok {
		delete(h.connections, conn)
		close(conn.send)
	}
}

// broadcast queues msg for every client without blocking. The feed is
// best effort: when the queue is full the message is dropped, and the
// ledger itself stays the source of truth (clients can re-query the API).
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		slog.Debug("live feed queue full, message dropped")
	}
}

// count returns the number of connected clients, or 0 after stop.
func (h *wsHub) count() int {
	reply := make(chan int, 1)
	select {
	case h.countCh <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// stop shuts the hub down. Safe to call more than once.
func (h *wsHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleWebSocket upgrades the request and registers the client.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Register with the hub unless it is already shutting down.
	select {
	case d.wsHub.registerCh <- client:
	case <-d.wsHub.done:
		conn.Close()
		return
	}

	// One goroutine writes queued messages, the other reads only to notice
	// when the client goes away.
	go client.writePump()
	go client.readPump(d.wsHub)
}

// writePump forwards queued messages until the hub closes send, then sends
// a normal close frame. It is the only writer on the connection, so
// gorilla's one-concurrent-writer rule holds without a mutex.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// readPump drains the client side to notice disconnection and then
// unregisters the client. The feed is server to client only; anything a
// client sends is discarded.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
