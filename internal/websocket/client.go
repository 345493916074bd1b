// Package websocket pushes Controller status snapshots to connected
// browser viewers over a long-lived WebSocket connection, in the server
// role rather than dialing out. Ping/pong keepalive and write-deadline
// discipline follow the usual gorilla/websocket server pattern.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghostkellz/nitrogen/internal/controller"
	"github.com/ghostkellz/nitrogen/internal/logging"
)

var log = logging.L("websocket")

const (
	pushInterval = 1 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusPusher periodically broadcasts a Controller's status snapshot to
// every connected viewer.
type StatusPusher struct {
	ctrl *controller.Controller

	mu      sync.Mutex
	clients map[*statusClient]struct{}
	done    chan struct{}
	once    sync.Once
}

type statusClient struct {
	conn *websocket.Conn
	send chan controller.StatusSnapshot
}

// NewStatusPusher starts broadcasting ctrl's status on pushInterval.
func NewStatusPusher(ctrl *controller.Controller) *StatusPusher {
	p := &StatusPusher{
		ctrl:    ctrl,
		clients: make(map[*statusClient]struct{}),
		done:    make(chan struct{}),
	}
	go p.broadcastLoop()
	return p
}

// HandleWS upgrades r to a WebSocket and registers the connection as a
// status-push subscriber until it disconnects.
func (p *StatusPusher) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("status ws upgrade failed", "error", err)
		return
	}
	c := &statusClient{conn: conn, send: make(chan controller.StatusSnapshot, 4)}

	p.mu.Lock()
	p.clients[c] = struct{}{}
	p.mu.Unlock()

	go p.writePump(c)
	p.readPump(c)
}

func (p *StatusPusher) readPump(c *statusClient) {
	defer p.removeClient(c)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *StatusPusher) writePump(c *statusClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-p.done:
			return
		case snap, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *StatusPusher) removeClient(c *statusClient) {
	p.mu.Lock()
	delete(p.clients, c)
	p.mu.Unlock()
}

func (p *StatusPusher) broadcastLoop() {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			snap := p.ctrl.Status()
			p.mu.Lock()
			for c := range p.clients {
				select {
				case c.send <- snap:
				default:
				}
			}
			p.mu.Unlock()
		}
	}
}

// Close stops the broadcast loop and closes every connected client.
func (p *StatusPusher) Close() {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		for c := range p.clients {
			c.conn.Close()
		}
		p.mu.Unlock()
	})
}
