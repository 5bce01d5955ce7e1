// Package server exposes the downstream subscriber endpoint: a WebSocket
// connection sends subscribe/ping actions and receives price, status and pong
// events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"marketsync/internal/fanout"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout    = 5 * time.Second
	outboundBuffer  = 256
	maxMessageBytes = 1 << 16
)

type clientRequest struct {
	Action   string   `json:"action"`
	Exchange string   `json:"exchange"`
	Symbols  []string `json:"symbols"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// session adapts one WebSocket connection to fanout.Session. Outbound
// messages go through a buffered queue drained by a single writer goroutine;
// a full queue fails the send, which removes the connection.
type session struct {
	conn   *websocket.Conn
	out    chan interface{}
	closed chan struct{}
	once   sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:   conn,
		out:    make(chan interface{}, outboundBuffer),
		closed: make(chan struct{}),
	}
}

func (s *session) SendPrice(msg fanout.PriceMessage) error {
	return s.enqueue(msg)
}

func (s *session) SendStatus(msg fanout.StatusMessage) error {
	return s.enqueue(msg)
}

func (s *session) enqueue(msg interface{}) error {
	select {
	case <-s.closed:
		return fmt.Errorf("session closed")
	case s.out <- msg:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// writeLoop is the only goroutine writing to the connection.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.close()
				return
			}
		}
	}
}

// Server hosts the /ws endpoint and the health handler.
type Server struct {
	manager  *fanout.Manager
	upgrader websocket.Upgrader
	logger   *logrus.Logger
	httpSrv  *http.Server
}

func New(manager *fanout.Manager, logger *logrus.Logger) *Server {
	return &Server{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handler returns the HTTP mux with the /ws and /health routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	s.logger.Infof("websocket server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"active_feeds": s.manager.ActiveExchanges(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := newSession(conn)
	s.manager.Connect(sess)
	go sess.writeLoop()

	defer func() {
		s.manager.Disconnect(sess)
		sess.close()
	}()

	conn.SetReadLimit(maxMessageBytes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = sess.enqueue(errorMessage{Type: "error", Error: "malformed request"})
			continue
		}

		switch req.Action {
		case "ping":
			_ = sess.enqueue(pongMessage{Type: "pong"})
		case "subscribe":
			if err := s.manager.UpdateSubscription(sess, req.Exchange, req.Symbols); err != nil {
				_ = sess.enqueue(errorMessage{Type: "error", Error: err.Error()})
			}
		default:
			_ = sess.enqueue(errorMessage{Type: "error", Error: fmt.Sprintf("unknown action %q", req.Action)})
		}
	}
}
