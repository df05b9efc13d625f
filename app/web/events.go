package web

import (
	"context"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/umputun/taskwatch/app/tracker"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
	clientBuffer   = 64
)

// APIChange is a message of the websocket change stream
type APIChange struct {
	ID   int    `json:"id"`
	Kind string `json:"kind"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient is a single subscriber of the change stream
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan APIChange
}

// handleEvents upgrades the connection and streams changes until the client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] websocket upgrade failed for %s, %v", r.RemoteAddr, err)
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan APIChange, clientBuffer)}
	s.addClient(c)
	log.Printf("[DEBUG] websocket client %s connected from %s", c.id, r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
}

// processEvents broadcasts tracker changes to websocket clients until ctx is done
func (s *Server) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return
		case c := <-s.eventChan:
			s.broadcast(APIChange{ID: c.ID, Kind: c.Kind.String()})
		}
	}
}

func (s *Server) broadcast(msg APIChange) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- msg:
		default:
			log.Printf("[WARN] websocket client %s is slow, change %d/%s dropped", c.id, msg.ID, msg.Kind)
		}
	}
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c.id] = c
}

// removeClient unregisters the client and closes its send channel, safe to call more than once
func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, c := range s.clients {
		delete(s.clients, id)
		close(c.send)
	}
}

// readPump drains incoming messages to handle control frames, returns when the connection breaks
func (s *Server) readPump(c *wsClient) {
	defer s.removeClient(c)
	pongWait := s.pingInterval * 2
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			log.Printf("[DEBUG] websocket client %s disconnected, %v", c.id, err)
			return
		}
	}
}

// writePump sends changes and pings to the client. Closed send channel means the client was removed.
func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("[DEBUG] write to websocket client %s failed, %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected websocket clients
func (s *Server) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}
