package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/protocol"
)

// Sessions is the operation surface shared by the in-process store and the
// sidecar client, so the worker runtime does not care which it talks to.
type Sessions interface {
	Create(sandbox string, plaintext []byte, ttl time.Duration) (string, error)
	Read(token string) ([]byte, error)
	Rotate(token string, newPlaintext []byte) (string, error)
	Destroy(token string) error
}

var _ Sessions = (*Store)(nil)
var _ Sessions = (*Client)(nil)

// opRequest is the REQ payload for a vault operation.
type opRequest struct {
	Op      string `json:"op"` // create | read | rotate | destroy
	Sandbox string `json:"sandbox,omitempty"`
	Token   string `json:"token,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	TTLMs   int64  `json:"ttlMs,omitempty"`
}

// opResponse is the RESP payload.
type opResponse struct {
	OK      bool   `json:"ok"`
	Token   string `json:"token,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// errorCode maps vault sentinel errors onto stable wire strings.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRotated):
		return "rotated"
	case errors.Is(err, ErrVaultFull):
		return "vault-full"
	default:
		return "internal"
	}
}

func errorFromCode(code string) error {
	switch code {
	case "not-found":
		return ErrNotFound
	case "expired":
		return ErrExpired
	case "rotated":
		return ErrRotated
	case "vault-full":
		return ErrVaultFull
	default:
		return fmt.Errorf("vault: remote error %q", code)
	}
}

// Server exposes a Store over the frame protocol on a unix socket.
// One connection is served at a time per accept loop iteration; the store's
// command loop serializes all mutation anyway.
type Server struct {
	store *Store
	ln    net.Listener
	log   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewServer binds the sidecar socket with 0600 permissions.
func NewServer(store *Store, socketPath string) (*Server, error) {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return &Server{
		store: store,
		ln:    ln,
		log:   logging.Component("vault"),
	}, nil
}

// Serve accepts connections until Close.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	dec := protocol.NewDecoder(conn)
	var wmu sync.Mutex

	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				s.log.Error("protocol violation, dropping peer", zap.Error(err))
			}
			return
		}
		switch f.Kind {
		case protocol.KindPing:
			wmu.Lock()
			protocol.Encode(conn, protocol.Frame{Kind: protocol.KindPong, Correlation: f.Correlation})
			wmu.Unlock()
		case protocol.KindReq:
			go func(f protocol.Frame) {
				resp := s.handle(f.Payload)
				payload, _ := json.Marshal(resp)
				wmu.Lock()
				defer wmu.Unlock()
				protocol.Encode(conn, protocol.Frame{
					Kind:        protocol.KindResp,
					Correlation: f.Correlation,
					Payload:     payload,
				})
			}(f)
		default:
			s.log.Error("unexpected frame kind, dropping peer", zap.String("kind", f.Kind.String()))
			return
		}
	}
}

func (s *Server) handle(payload []byte) opResponse {
	var req opRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return opResponse{Error: "internal"}
	}

	switch req.Op {
	case "create":
		token, err := s.store.Create(req.Sandbox, req.Payload, time.Duration(req.TTLMs)*time.Millisecond)
		if err != nil {
			return opResponse{Error: errorCode(err)}
		}
		return opResponse{OK: true, Token: token}
	case "read":
		plain, err := s.store.Read(req.Token)
		if err != nil {
			return opResponse{Error: errorCode(err)}
		}
		return opResponse{OK: true, Payload: plain}
	case "rotate":
		token, err := s.store.Rotate(req.Token, req.Payload)
		if err != nil {
			return opResponse{Error: errorCode(err)}
		}
		return opResponse{OK: true, Token: token}
	case "destroy":
		if err := s.store.Destroy(req.Token); err != nil {
			return opResponse{Error: errorCode(err)}
		}
		return opResponse{OK: true}
	default:
		return opResponse{Error: "internal"}
	}
}

// Close stops the accept loop and releases the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ln.Close()
}

// Client talks to a vault sidecar over its unix socket. Calls are serialized
// on one connection; the vault is single-writer so parallel connections buy
// nothing.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	dec     *protocol.Decoder
	path    string
	timeout time.Duration
	nextID  uint64
}

// NewClient connects to the sidecar socket.
func NewClient(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{path: socketPath, timeout: timeout}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return err
	}
	c.conn = conn
	c.dec = protocol.NewDecoder(conn)
	return nil
}

func (c *Client) call(req opRequest) (opResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connect(); err != nil {
			return opResponse{}, err
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return opResponse{}, err
	}
	c.nextID++
	var corr protocol.CorrelationID
	for i := 0; i < 8; i++ {
		corr[i] = byte(c.nextID >> (8 * i))
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := protocol.Encode(c.conn, protocol.Frame{
		Kind:        protocol.KindReq,
		Correlation: corr,
		Payload:     payload,
	}); err != nil {
		c.reset()
		return opResponse{}, err
	}

	for {
		f, err := c.dec.Next()
		if err != nil {
			c.reset()
			return opResponse{}, err
		}
		if f.Kind != protocol.KindResp || f.Correlation != corr {
			continue
		}
		var resp opResponse
		if err := json.Unmarshal(f.Payload, &resp); err != nil {
			c.reset()
			return opResponse{}, err
		}
		return resp, nil
	}
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close drops the sidecar connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Create implements Sessions.
func (c *Client) Create(sandbox string, plaintext []byte, ttl time.Duration) (string, error) {
	resp, err := c.call(opRequest{Op: "create", Sandbox: sandbox, Payload: plaintext, TTLMs: ttl.Milliseconds()})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", errorFromCode(resp.Error)
	}
	return resp.Token, nil
}

// Read implements Sessions.
func (c *Client) Read(token string) ([]byte, error) {
	resp, err := c.call(opRequest{Op: "read", Token: token})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errorFromCode(resp.Error)
	}
	return resp.Payload, nil
}

// Rotate implements Sessions.
func (c *Client) Rotate(token string, newPlaintext []byte) (string, error) {
	resp, err := c.call(opRequest{Op: "rotate", Token: token, Payload: newPlaintext})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", errorFromCode(resp.Error)
	}
	return resp.Token, nil
}

// Destroy implements Sessions.
func (c *Client) Destroy(token string) error {
	resp, err := c.call(opRequest{Op: "destroy", Token: token})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errorFromCode(resp.Error)
	}
	return nil
}
