package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fly-io/multiflash/pkg/errors"
)

// AppName prefixes socket file names.
const AppName = "multiflash"

// RetryPolicy controls how often Dial tries to reach the controller.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// NoRetry dials exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Config identifies the channel both processes rendezvous on.
type Config struct {
	ChannelID  string
	SocketRoot string
	Retry      RetryPolicy
}

// SocketPath returns <SocketRoot>/multiflash.<ChannelID>.sock.
func (c Config) SocketPath() string {
	root := c.SocketRoot
	if root == "" {
		root = os.TempDir()
	}
	return filepath.Join(root, fmt.Sprintf("%s.%s.sock", AppName, c.ChannelID))
}

// Validate checks the channel identity.
func (c Config) Validate() error {
	if c.ChannelID == "" {
		return errors.Validation("ipc channel id is required")
	}
	return nil
}

// Conn is one side of an established channel. Send is safe for concurrent
// use; Receive must be called from a single goroutine.
type Conn struct {
	c   net.Conn
	dec *json.Decoder

	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder

	closeOnce sync.Once
	closeErr  error
}

func newConn(c net.Conn) *Conn {
	w := bufio.NewWriter(c)
	return &Conn{
		c:   c,
		dec: json.NewDecoder(bufio.NewReader(c)),
		w:   w,
		enc: json.NewEncoder(w),
	}
}

// Send writes one named event.
func (c *Conn) Send(name string, payload any) error {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(Envelope{Name: name, Payload: raw}); err != nil {
		return errors.Wrap(err, "failed to write event")
	}
	if err := c.w.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush event")
	}
	return nil
}

// Receive blocks until the next event arrives. It returns io.EOF once the
// peer disconnects.
func (c *Conn) Receive() (Envelope, error) {
	var env Envelope
	if err := c.dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	env.Normalize()
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.c.Close()
	})
	return c.closeErr
}

// Server is the controller side listener.
type Server struct {
	cfg Config
	ln  net.Listener
}

// Listen creates the socket for cfg, replacing a stale file left by an
// earlier run.
func Listen(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path := cfg.SocketPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create socket dir")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to remove stale socket")
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		slog.Error("ipc_listen_failed", "socket", path, "error", err)
		return nil, errors.Wrap(err, "failed to listen")
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "failed to restrict socket")
	}

	slog.Info("ipc_listening", "socket", path)
	return &Server{cfg: cfg, ln: ln}, nil
}

// Accept waits for the worker to connect.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	type accepted struct {
		c   net.Conn
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := s.ln.Accept()
		ch <- accepted{c, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return nil, errors.Wrap(a.err, "failed to accept")
		}
		slog.Info("ipc_accepted", "socket", s.cfg.SocketPath())
		return newConn(a.c), nil
	case <-ctx.Done():
		s.ln.Close()
		return nil, ctx.Err()
	}
}

// Close stops listening and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	os.Remove(s.cfg.SocketPath())
	return err
}

// Dial connects to the controller, trying up to cfg.Retry.MaxAttempts times.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	attempts := cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var d net.Dialer
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, err := d.DialContext(ctx, "unix", cfg.SocketPath())
		if err == nil {
			return newConn(c), nil
		}
		lastErr = err
		slog.Warn("ipc_dial_failed", "socket", cfg.SocketPath(), "attempt", i+1, "error", err)

		if i < attempts-1 {
			select {
			case <-time.After(cfg.Retry.Interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, errors.Wrap(lastErr, "failed to connect")
}
