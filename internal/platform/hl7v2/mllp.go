package hl7v2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// DefaultMaxMessageSize caps a single connection buffer (1 MB).
	DefaultMaxMessageSize = 1 << 20

	writeTimeout = 10 * time.Second
)

var endSequence = string([]byte{MLLPEndBlock, MLLPCarriageReturn})

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// Wrap frames an HL7 payload for the wire:
//
//	<0x0B> + payload + <0x1C><0x0D>
func Wrap(payload string) string {
	var b strings.Builder
	b.Grow(len(payload) + 3)
	b.WriteByte(MLLPStartBlock)
	b.WriteString(payload)
	b.WriteString(endSequence)
	return b.String()
}

// ExtractMessages pulls every complete frame out of buffer, in order, and
// returns the unconsumed tail for the caller to prepend to the next read.
//
// When an end sequence appears before the next start block the stream is out
// of sync: everything before that start block is dropped and the start block
// is kept, so a frame that follows is not lost. Each pass removes at least
// one byte, so the loop is bounded by len(buffer).
func ExtractMessages(buffer string) (messages []string, remainder string) {
	for {
		start := strings.IndexByte(buffer, MLLPStartBlock)
		end := strings.Index(buffer, endSequence)
		if start == -1 || end == -1 {
			return messages, buffer
		}

		if end < start {
			buffer = buffer[start:]
			continue
		}

		messages = append(messages, buffer[start+1:end])
		buffer = buffer[end+len(endSequence):]
	}
}

// ---------------------------------------------------------------------------
// MLLP server
// ---------------------------------------------------------------------------

// Peer identifies the connection a frame arrived on.
type Peer struct {
	ConnID     string
	RemoteAddr string
	RemoteHost string
	LocalPort  int
}

// FrameHandler is called for each complete message received on a connection.
// It returns the unframed response to write back; an empty string sends
// nothing. Handlers for one connection are invoked sequentially.
type FrameHandler func(ctx context.Context, peer Peer, payload string) string

// ServerConfig tunes an MLLPServer.
type ServerConfig struct {
	Addr string
	// IdleTimeout closes a connection that has been silent this long with an
	// empty buffer. Zero disables it and leaves stalled peers to TCP keepalive.
	IdleTimeout    time.Duration
	KeepAlive      time.Duration
	MaxMessageSize int
}

// ConnObserver is notified when connections open and close.
type ConnObserver interface {
	ConnOpened(peer Peer)
	ConnClosed(peer Peer)
}

// MLLPServer listens for HL7v2 messages over MLLP/TCP on a single port.
type MLLPServer struct {
	cfg      ServerConfig
	handler  FrameHandler
	observer ConnObserver
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewMLLPServer creates a server that will listen on cfg.Addr and dispatch
// every extracted message to handler.
func NewMLLPServer(cfg ServerConfig, handler FrameHandler, logger zerolog.Logger) *MLLPServer {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MLLPServer{
		cfg:     cfg,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With().Str("component", "mllp").Str("addr", cfg.Addr).Logger(),
	}
}

// SetObserver registers a connection observer. Call before Start.
func (s *MLLPServer) SetObserver(o ConnObserver) {
	s.observer = o
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	lc := net.ListenConfig{KeepAlive: s.cfg.KeepAlive}
	ln, err := lc.Listen(s.ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("listen", ln.Addr().String()).Msg("mllp listener started")
	return nil
}

// Stop closes the listener, then every tracked connection, and waits for all
// goroutines to finish.
func (s *MLLPServer) Stop() error {
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) peerOf(conn net.Conn) Peer {
	p := Peer{
		ConnID:     uuid.NewString(),
		RemoteAddr: conn.RemoteAddr().String(),
	}
	if host, _, err := net.SplitHostPort(p.RemoteAddr); err == nil {
		p.RemoteHost = host
	} else {
		p.RemoteHost = p.RemoteAddr
	}
	if _, port, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
		p.LocalPort, _ = strconv.Atoi(port)
	}
	return p
}

// handleConnection owns the connection buffer: nothing else reads or writes it.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	peer := s.peerOf(conn)
	log := s.logger.With().Str("conn_id", peer.ConnID).Str("remote_addr", peer.RemoteAddr).Logger()

	if tc, ok := conn.(*net.TCPConn); ok && s.cfg.KeepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(s.cfg.KeepAlive)
	}
	if s.observer != nil {
		s.observer.ConnOpened(peer)
		defer s.observer.ConnClosed(peer)
	}
	log.Info().Msg("device connected")

	var buf string
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf += string(readBuf[:n])

			var messages []string
			messages, buf = ExtractMessages(buf)

			for _, payload := range messages {
				if !s.respond(conn, peer, payload, log) {
					return
				}
			}

			if len(buf) > s.cfg.MaxMessageSize {
				log.Warn().Int("buffered", len(buf)).Msg("buffer exceeds max message size, closing connection")
				return
			}
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if len(buf) == 0 {
					log.Info().Msg("idle timeout, closing connection")
					return
				}
				continue
			}
			select {
			case <-s.ctx.Done():
			default:
				log.Info().Err(err).Msg("device disconnected")
			}
			return
		}
	}
}

// respond runs the handler and writes its reply. It reports whether the
// connection is still usable.
func (s *MLLPServer) respond(conn net.Conn, peer Peer, payload string, log zerolog.Logger) bool {
	resp := s.handler(s.ctx, peer, payload)
	if resp == "" {
		return true
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(Wrap(resp))); err != nil {
		log.Warn().Err(err).Msg("write acknowledgement failed, dropping connection")
		return false
	}
	return true
}
