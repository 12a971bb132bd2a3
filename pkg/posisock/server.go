package posisock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shmsync/shmsync"
)

const requestBufBytes = 64

// Server answers UDP polls with the newest position it has been
// handed. Any datagram counts as a request; the payload is ignored.
// Requests arriving before the first Publish go unanswered so a
// poller never mistakes the zero record for a detection.
type Server struct {
	conn   *net.UDPConn
	codec  Codec
	logger *slog.Logger

	mu     sync.Mutex
	latest shmsync.Position
	have   bool
}

func Listen(addr string, codec Codec, logger *slog.Logger) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("posisock: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("posisock: listen %q: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{conn: conn, codec: codec, logger: logger}, nil
}

// Publish replaces the record served to the next poller.
func (s *Server) Publish(p shmsync.Position) {
	s.mu.Lock()
	s.latest = p
	s.have = true
	s.mu.Unlock()
}

// Serve blocks answering requests until ctx is cancelled or the
// socket is closed.
func (s *Server) Serve(ctx context.Context) error {
	req := make([]byte, requestBufBytes)
	var out []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return err
		}
		_, peer, err := s.conn.ReadFromUDP(req)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		have := s.have
		latest := s.latest
		s.mu.Unlock()
		if !have {
			continue
		}

		out, err = s.codec.Encode(out[:0], latest)
		if err != nil {
			s.logger.Warn("posisock: encode reply", "err", err)
			continue
		}
		if _, err := s.conn.WriteToUDP(out, peer); err != nil {
			s.logger.Warn("posisock: send reply", "peer", peer, "err", err)
		}
	}
}

func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) Close() error {
	return s.conn.Close()
}
