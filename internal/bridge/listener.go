package bridge

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/protocol"
)

// Handler executes one decoded request in the worker and returns the
// response record and body. ctx is cancelled by CANCEL frames and by the
// request deadline.
type Handler func(ctx context.Context, rec protocol.RequestRecord, body []byte) (protocol.ResponseRecord, []byte)

// Listener is the worker side of the IPC channel: it owns the unix socket,
// accepts the gateway connection, reassembles request streams and runs the
// handler per correlation.
type Listener struct {
	path    string
	handler Handler
	ln      net.Listener
	log     *zap.Logger

	mu       sync.Mutex
	conn     net.Conn
	draining bool
	inFlight sync.WaitGroup
	cancels  map[protocol.CorrelationID]context.CancelFunc
	onDrain  func()

	closed chan struct{}
	once   sync.Once
}

// inflightRequest accumulates a request until its REQ_END arrives.
type inflightRequest struct {
	rec  protocol.RequestRecord
	body []byte
}

// Listen binds the worker socket with 0600 permissions.
func Listen(socketPath string, handler Handler, onDrain func()) (*Listener, error) {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return &Listener{
		path:    socketPath,
		handler: handler,
		ln:      ln,
		log:     logging.Component("worker-ipc"),
		cancels: make(map[protocol.CorrelationID]context.CancelFunc),
		onDrain: onDrain,
		closed:  make(chan struct{}),
	}, nil
}

// Serve accepts the gateway connection and processes frames until the
// connection drops or Close is called. It announces WORKER_READY as soon as
// a connection is up.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
				return err
			}
		}
		l.serveConn(conn)
	}
}

func (l *Listener) serveConn(conn net.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(f protocol.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return protocol.Encode(conn, f)
	}

	if err := send(protocol.Frame{Kind: protocol.KindWorkerReady}); err != nil {
		return
	}

	streams := make(map[protocol.CorrelationID]*inflightRequest)
	dec := protocol.NewDecoder(conn)

	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				// Unrecoverable stream corruption: drop the channel; the
				// supervisor decides what happens to this worker.
				l.log.Error("protocol violation, closing channel", zap.Error(err))
			}
			return
		}

		switch f.Kind {
		case protocol.KindPing:
			send(protocol.Frame{Kind: protocol.KindPong, Correlation: f.Correlation})

		case protocol.KindDrain:
			l.mu.Lock()
			l.draining = true
			l.mu.Unlock()
			if l.onDrain != nil {
				go l.onDrain()
			}

		case protocol.KindReq:
			rec, err := protocol.UnmarshalRequest(f.Payload)
			if err != nil {
				l.log.Error("bad request record, closing channel", zap.Error(err))
				return
			}
			streams[f.Correlation] = &inflightRequest{rec: rec}

		case protocol.KindReqBody:
			if st, ok := streams[f.Correlation]; ok {
				st.body = append(st.body, f.Payload...)
			}

		case protocol.KindReqEnd:
			st, ok := streams[f.Correlation]
			if !ok {
				continue
			}
			delete(streams, f.Correlation)
			l.dispatch(st, f.Correlation, send)

		case protocol.KindCancel:
			l.mu.Lock()
			cancel := l.cancels[f.Correlation]
			l.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			delete(streams, f.Correlation)

		default:
			l.log.Error("unexpected frame kind, closing channel", zap.String("kind", f.Kind.String()))
			return
		}
	}
}

// dispatch runs the handler for one complete request on its own goroutine
// and streams the response back.
func (l *Listener) dispatch(st *inflightRequest, corr protocol.CorrelationID, send func(protocol.Frame) error) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if st.rec.DeadlineMs > 0 {
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(st.rec.DeadlineMs))
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	l.mu.Lock()
	l.cancels[corr] = cancel
	l.mu.Unlock()
	l.inFlight.Add(1)

	go func() {
		defer func() {
			cancel()
			l.mu.Lock()
			delete(l.cancels, corr)
			l.mu.Unlock()
			l.inFlight.Done()
		}()

		rec, body := l.handler(ctx, st.rec, st.body)

		payload, err := protocol.MarshalResponse(rec)
		if err != nil {
			l.log.Error("encode response", zap.Error(err))
			return
		}
		if err := send(protocol.Frame{Kind: protocol.KindResp, Correlation: corr, Payload: payload}); err != nil {
			return
		}
		for off := 0; off < len(body); {
			end := off + chunkSize
			if end > len(body) {
				end = len(body)
			}
			if err := send(protocol.Frame{Kind: protocol.KindRespBody, Correlation: corr, Payload: body[off:end]}); err != nil {
				return
			}
			off = end
		}
		send(protocol.Frame{Kind: protocol.KindRespEnd, Correlation: corr})
	}()
}

// WaitDrained blocks until all in-flight handlers return.
func (l *Listener) WaitDrained() {
	l.inFlight.Wait()
}

// Close stops accepting, drops the active connection and releases the
// socket.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
	return l.ln.Close()
}
