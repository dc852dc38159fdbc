// Package uibridge exposes the session over a websocket: commands in, events
// out. Any UI (web page, display controller, voice frontend) speaks the same
// JSON frames.
package uibridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tbuczek/boardpilot/internal/game"
)

const (
	writeTimeout = 5 * time.Second
	clientBuffer = 32
)

// Server fans the session's event stream out to every connected client and
// feeds accepted commands back into the session.
type Server struct {
	logger  *zap.Logger
	session *game.Session
	httpSrv *http.Server

	mu        sync.Mutex
	clients   map[*client]struct{}
	boundAddr string
}

type client struct {
	conn *websocket.Conn
	out  chan game.UIEvent
}

func NewServer(session *game.Session, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:  logger,
		session: session,
		clients: make(map[*client]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr reports the listen address once Run has bound it, empty before that.
// With a ":0" configuration this is the only way to learn the chosen port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Run serves until ctx ends, fanning session events out while doing so.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("UI bridge listening", zap.String("addr", ln.Addr().String()))

	go s.fanOut(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
	}()

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// fanOut copies every session event to every client. A client that cannot
// keep up is dropped rather than allowed to stall the rest.
func (s *Server) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.session.Events():
			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.out <- ev:
				default:
					s.logger.Warn("dropping slow UI client")
					delete(s.clients, c)
					go c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, out: make(chan game.UIEvent, clientBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("UI client connected", zap.Int("clients", n))

	ctx := r.Context()
	go s.writeLoop(ctx, c)
	s.readLoop(ctx, c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "bye")
	s.logger.Info("UI client disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		var cmd game.Command
		if err := wsjson.Read(ctx, c.conn, &cmd); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Debug("UI client read ended", zap.Error(err))
			}
			return
		}
		if cmd.Kind == "" {
			continue
		}
		if !s.session.Submit(cmd) {
			s.logger.Warn("command rejected, session backlogged", zap.String("kind", string(cmd.Kind)))
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
