// Package server implements the TCP acceptor and the per-connection
// read/write loops. It performs no protocol logic beyond framing; decoded
// frames go straight to the gateway.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/gateway"
	"github.com/nathanyu/matching-engine/internal/protocol"
)

// Server accepts client connections and pumps frames between them and
// the gateway.
type Server struct {
	log        *zap.Logger
	gw         *gateway.Gateway
	bufferSize int

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// New creates a server. bufferSize sizes each session's outbound channel.
func New(gw *gateway.Gateway, bufferSize int, log *zap.Logger) *Server {
	return &Server{
		log:        log,
		gw:         gw,
		bufferSize: bufferSize,
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds the TCP port. A bind failure is returned to the caller so
// the process can exit non-zero.
func (s *Server) Listen(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("server: bind port %d: %w", port, err)
	}
	s.listener = l
	s.log.Info("listening", zap.Int("port", port))
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown closes the listener.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown stops accepting, closes every live connection, and waits for
// the connection goroutines to finish.
func (s *Server) Shutdown() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	s.log.Info("server stopped")
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connsMu.Lock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	s.connsMu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	out := make(chan []byte, s.bufferSize)
	stop := make(chan struct{})
	sess := s.gw.Connect(out)

	// Writer: drains the session's outbound channel. Write errors are
	// logged and ignored; they never affect engine state.
	go func() {
		for {
			select {
			case frame := <-out:
				if _, err := conn.Write(frame); err != nil {
					s.log.Warn("outbound write failed",
						zap.String("session", sess.ID), zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()

	r := bufio.NewReader(conn)
	for {
		h, frame, err := protocol.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Debug("connection read ended",
					zap.String("session", sess.ID), zap.Error(err))
			}
			break
		}
		if h.Type == protocol.MsgClientDisconnect {
			break
		}
		s.gw.Dispatch(sess, h, frame)
	}

	s.gw.Disconnect(sess)
	close(stop)
}
