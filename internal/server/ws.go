// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/tabrelay/internal/contextstore"
	"github.com/jeranaias/tabrelay/internal/port"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	// The relay binds loopback only; browser extensions connect with a
	// null or extension origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// portCommand is the consumer -> relay message. Command selects the
// action; the embedded start fields apply to "start".
type portCommand struct {
	Command string `json:"command"`
	port.StartRequest
}

// wsPort adapts one WebSocket connection to the port.Port interface.
// Writes are serialized; the first failed write marks the consumer gone.
type wsPort struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newWSPort(conn *websocket.Conn) *wsPort {
	return &wsPort{conn: conn, closed: make(chan struct{})}
}

// Send implements port.Port.
func (p *wsPort) Send(ev port.Event) error {
	select {
	case <-p.closed:
		return port.ErrDisconnected
	default:
	}

	p.writeMu.Lock()
	err := p.conn.WriteJSON(ev)
	p.writeMu.Unlock()
	if err != nil {
		p.close()
		return port.ErrDisconnected
	}
	return nil
}

// Disconnected implements port.Port.
func (p *wsPort) Disconnected() <-chan struct{} {
	return p.closed
}

// close marks the consumer gone. Idempotent.
func (p *wsPort) close() {
	p.once.Do(func() { close(p.closed) })
}

// handlePort upgrades the connection and runs the command loop. Each
// start command launches one streaming session; closing the socket is
// the disconnect signal for anything in flight.
func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	p := newWSPort(conn)
	defer p.close()
	log.Printf("PORT_OPEN | remote=%s", r.RemoteAddr)

	for {
		var cmd portCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("PORT_CLOSE | remote=%s err=%v", r.RemoteAddr, err)
			} else {
				log.Printf("PORT_CLOSE | remote=%s", r.RemoteAddr)
			}
			return
		}

		switch cmd.Command {
		case "start":
			// Streams run detached from the request context: the read
			// loop must keep running to notice the socket closing.
			go s.engine.Stream(context.Background(), cmd.StartRequest, p)
		case "clear":
			s.clearConversation(p, cmd.ConversationKey)
		default:
			if err := p.Send(port.Event{Type: port.EventError, Error: "unknown command: " + cmd.Command}); err != nil {
				return
			}
		}
	}
}

// clearConversation evicts a conversation from memory and storage.
func (s *Server) clearConversation(p *wsPort, conversationKey string) {
	key, err := contextstore.ParseKeyID(conversationKey)
	if err != nil {
		if sendErr := p.Send(port.Event{Type: port.EventError, Error: err.Error()}); sendErr != nil && !errors.Is(sendErr, port.ErrDisconnected) {
			log.Printf("server: clear response failed: %v", sendErr)
		}
		return
	}
	s.store.Clear(key)
}
