package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/protocol"
)

// Bridge errors, mapped by the gateway onto 502/504.
var (
	ErrPeerDead = errors.New("bridge: peer dead")
	ErrDeadline = errors.New("bridge: request deadline exceeded")
	ErrDraining = errors.New("bridge: draining")
)

// chunkSize is the body chunk payload size. streamWindow is the
// per-correlation credit cap: a stream may keep at most this many body
// bytes queued ahead of the writer; past it the producer blocks until the
// writer drains a chunk onto the socket (see flowCtl).
const (
	chunkSize    = 32 << 10
	streamWindow = 64 << 10
)

// Response is a completed worker response.
type Response struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

type pending struct {
	ch       chan result
	deadline time.Time
	record   *protocol.ResponseRecord
	body     []byte
}

type result struct {
	resp *Response
	err  error
}

// Config tunes a Bridge.
type Config struct {
	SocketPath        string
	DialTimeout       time.Duration // total time to establish the connection
	HeartbeatInterval time.Duration // PING cadence; peer dead after 2x silence
}

// Bridge is the gateway side of one worker's IPC channel: it owns the
// connection, the correlation table, heartbeats, and failure fan-out.
type Bridge struct {
	cfg  Config
	conn net.Conn
	log  *zap.Logger

	// sendCh feeds the single writer goroutine; frame order within a
	// correlation is the enqueue order.
	sendCh chan outFrame

	mu       sync.Mutex
	pend     map[protocol.CorrelationID]*pending
	dead     bool
	deadErr  error
	draining bool

	inFlight atomic.Int64
	lastPong atomic.Int64 // unix nanos

	readyCh chan struct{}
	onDead  func(error)
	closed  chan struct{}
}

// Dial connects to a worker socket, retrying with exponential backoff until
// the dial timeout elapses. The returned Bridge is usable once the worker's
// WORKER_READY arrives (WaitReady).
func Dial(cfg Config, onDead func(error)) (*Bridge, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	var conn net.Conn
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = cfg.DialTimeout
	err := backoff.Retry(func() error {
		var err error
		conn, err = net.DialTimeout("unix", cfg.SocketPath, time.Second)
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", cfg.SocketPath, err)
	}

	b := &Bridge{
		cfg:     cfg,
		conn:    conn,
		log:     logging.Component("bridge").With(zap.String("socket", cfg.SocketPath)),
		sendCh:  make(chan outFrame, 128),
		pend:    make(map[protocol.CorrelationID]*pending),
		readyCh: make(chan struct{}),
		onDead:  onDead,
		closed:  make(chan struct{}),
	}
	b.lastPong.Store(time.Now().UnixNano())
	go b.readLoop()
	go b.writeLoop()
	go b.heartbeatLoop()
	return b, nil
}

// WaitReady blocks until the worker announces WORKER_READY or the context
// ends.
func (b *Bridge) WaitReady(ctx context.Context) error {
	select {
	case <-b.readyCh:
		return nil
	case <-b.closed:
		return b.deadError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports outstanding correlations; the supervisor's least-loaded
// scheduler reads it.
func (b *Bridge) InFlight() int64 {
	return b.inFlight.Load()
}

// Draining reports whether DRAIN has been broadcast.
func (b *Bridge) Draining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draining
}

func (b *Bridge) deadError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deadErr != nil {
		return b.deadErr
	}
	return ErrPeerDead
}

// Do sends one request and blocks until the response, the context deadline,
// or peer death. On deadline it emits CANCEL and returns ErrDeadline.
func (b *Bridge) Do(ctx context.Context, rec protocol.RequestRecord, body []byte) (*Response, error) {
	b.mu.Lock()
	if b.dead {
		err := b.deadErr
		b.mu.Unlock()
		if err == nil {
			err = ErrPeerDead
		}
		return nil, err
	}
	if b.draining {
		b.mu.Unlock()
		return nil, ErrDraining
	}

	corr := newCorrelation()
	p := &pending{ch: make(chan result, 1)}
	if dl, ok := ctx.Deadline(); ok {
		p.deadline = dl
		rec.DeadlineMs = dl.UnixMilli()
	}
	b.pend[corr] = p
	b.mu.Unlock()

	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	if err := b.sendRequest(ctx, corr, rec, body); err != nil {
		if errors.Is(err, ErrDeadline) {
			// The stream stalled past the deadline mid-body; tell the
			// worker to discard what it has.
			b.sendFrame(protocol.Frame{Kind: protocol.KindCancel, Correlation: corr})
		}
		b.resolve(corr, result{err: err})
	}

	select {
	case res := <-p.ch:
		return res.resp, res.err
	case <-ctx.Done():
		b.sendFrame(protocol.Frame{Kind: protocol.KindCancel, Correlation: corr})
		b.resolve(corr, result{err: ErrDeadline})
		res := <-p.ch
		return res.resp, res.err
	}
}

func (b *Bridge) sendRequest(ctx context.Context, corr protocol.CorrelationID, rec protocol.RequestRecord, body []byte) error {
	payload, err := protocol.MarshalRequest(rec)
	if err != nil {
		return err
	}
	if err := b.sendFrame(protocol.Frame{Kind: protocol.KindReq, Correlation: corr, Payload: payload}); err != nil {
		return err
	}

	// Body chunks ride behind the record under the stream's credit window:
	// each chunk reserves its size before enqueueing, and the writer
	// returns the credit once the chunk hits the socket. A slow worker
	// therefore stalls this one stream at streamWindow queued bytes without
	// starving other correlations.
	flow := newFlowCtl()
	for off := 0; off < len(body); {
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[off:end]
		if err := flow.acquire(ctx, b.closed, len(chunk)); err != nil {
			return err
		}
		if err := b.enqueue(outFrame{
			frame: protocol.Frame{Kind: protocol.KindReqBody, Correlation: corr, Payload: chunk},
			flow:  flow,
		}); err != nil {
			return err
		}
		off = end
	}
	return b.sendFrame(protocol.Frame{Kind: protocol.KindReqEnd, Correlation: corr})
}

// outFrame pairs a frame with the flow controller to credit once it is
// written. flow is nil for non-body frames.
type outFrame struct {
	frame protocol.Frame
	flow  *flowCtl
}

func (b *Bridge) sendFrame(f protocol.Frame) error {
	return b.enqueue(outFrame{frame: f})
}

func (b *Bridge) enqueue(of outFrame) error {
	select {
	case b.sendCh <- of:
		return nil
	case <-b.closed:
		return ErrPeerDead
	}
}

// writeLoop is the sole encoder on the connection; it releases stream
// credit as body chunks drain onto the socket.
func (b *Bridge) writeLoop() {
	for {
		select {
		case <-b.closed:
			return
		case of := <-b.sendCh:
			if err := protocol.Encode(b.conn, of.frame); err != nil {
				b.die(fmt.Errorf("bridge: write: %w", err))
				return
			}
			if of.flow != nil {
				of.flow.release(len(of.frame.Payload))
			}
		}
	}
}

// Drain marks the bridge as draining and broadcasts DRAIN to the worker.
// In-flight correlations continue; new Do calls are refused.
func (b *Bridge) Drain() {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()
	b.sendFrame(protocol.Frame{Kind: protocol.KindDrain})
}

// Close tears the connection down, failing all pending correlations.
func (b *Bridge) Close() {
	b.die(ErrPeerDead)
}

func (b *Bridge) readLoop() {
	dec := protocol.NewDecoder(b.conn)
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				b.die(fmt.Errorf("%w: %v", ErrPeerDead, err))
			} else {
				b.die(ErrPeerDead)
			}
			return
		}

		switch f.Kind {
		case protocol.KindWorkerReady:
			select {
			case <-b.readyCh:
			default:
				close(b.readyCh)
			}
		case protocol.KindPong:
			b.lastPong.Store(time.Now().UnixNano())
		case protocol.KindPing:
			b.sendFrame(protocol.Frame{Kind: protocol.KindPong, Correlation: f.Correlation})
		case protocol.KindResp:
			rec, err := protocol.UnmarshalResponse(f.Payload)
			if err != nil {
				b.die(fmt.Errorf("%w: %v", ErrPeerDead, err))
				return
			}
			b.mu.Lock()
			if p, ok := b.pend[f.Correlation]; ok {
				p.record = &rec
			}
			b.mu.Unlock()
		case protocol.KindRespBody:
			b.mu.Lock()
			if p, ok := b.pend[f.Correlation]; ok {
				p.body = append(p.body, f.Payload...)
			}
			b.mu.Unlock()
		case protocol.KindRespEnd:
			b.mu.Lock()
			p, ok := b.pend[f.Correlation]
			var res result
			if ok {
				if p.record == nil {
					res = result{err: fmt.Errorf("%w: RESP_END without RESP", ErrPeerDead)}
				} else {
					res = result{resp: &Response{
						Status:  p.record.Status,
						Headers: p.record.Headers,
						Body:    p.body,
					}}
				}
			}
			b.mu.Unlock()
			if ok {
				b.resolve(f.Correlation, res)
			}
		default:
			// REQ-direction frames from a worker are a protocol violation.
			b.die(fmt.Errorf("%w: unexpected %s from worker", ErrPeerDead, f.Kind))
			return
		}
	}
}

func (b *Bridge) heartbeatLoop() {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			silence := time.Since(time.Unix(0, b.lastPong.Load()))
			if silence > 2*b.cfg.HeartbeatInterval {
				b.die(fmt.Errorf("%w: no PONG for %v", ErrPeerDead, silence))
				return
			}
			b.sendFrame(protocol.Frame{Kind: protocol.KindPing})
		}
	}
}

// resolve delivers a result for a correlation exactly once.
func (b *Bridge) resolve(corr protocol.CorrelationID, res result) {
	b.mu.Lock()
	p, ok := b.pend[corr]
	if ok {
		delete(b.pend, corr)
	}
	b.mu.Unlock()
	if ok {
		p.ch <- res
	}
}

// die marks the peer dead, fails every pending correlation, and fires the
// dead callback once.
func (b *Bridge) die(err error) {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return
	}
	b.dead = true
	b.deadErr = err
	pend := b.pend
	b.pend = make(map[protocol.CorrelationID]*pending)
	b.mu.Unlock()

	close(b.closed)
	b.conn.Close()
	for _, p := range pend {
		p.ch <- result{err: err}
	}
	b.log.Warn("peer dead", zap.Error(err))
	if b.onDead != nil {
		go b.onDead(err)
	}
}

func newCorrelation() protocol.CorrelationID {
	return protocol.CorrelationID(uuid.New())
}
