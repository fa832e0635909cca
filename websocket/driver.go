package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DriverOptions configures a new Driver.
type DriverOptions struct {
	// AcceptTimeout bounds how long after a server-side connection was
	// opened the application has to call Accept/Deny on its validated
	// handshake; past it the Driver denies it with 408 on the
	// application's behalf.
	AcceptTimeout time.Duration
	// EventBuffer sizes the channel returned by Events. Defaults to 256.
	EventBuffer int
	Logger      *zerolog.Logger
}

type registration struct {
	index  uint64
	engine *Engine
}

type readResult struct {
	index uint64
	chunk []byte
	err   error
}

// command runs fn against the Engine registered under index, on the
// Driver's single run-loop goroutine — the only goroutine allowed to
// mutate Engine state. This mirrors the register/unregister/broadcast
// channel commands of a fan-out hub, but dispatches an arbitrary
// closure instead of a fixed set of operations.
type command struct {
	index uint64
	fn    func(*Engine)
}

// Driver is the single-threaded cooperative multiplexer over many
// Engines. One goroutine per connection blocks on a transport Read and
// feeds the raw chunks back to the Driver's run loop; the run loop is
// the only place Engine buffers are read or written, which keeps the
// per-connection state machine free of its own locking.
type Driver struct {
	acceptTimeout time.Duration
	log           zerolog.Logger

	nextIndex uint64 // atomic

	registerCh chan registration
	readCh     chan readResult
	commandCh  chan command
	events     chan Event
	done       chan struct{}

	engines map[uint64]*Engine
	wg      sync.WaitGroup
}

// NewDriver constructs a Driver. Call Run in its own goroutine to
// start the event loop, and Register to add connections to it.
func NewDriver(opts DriverOptions) *Driver {
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = 256
	}
	timeout := opts.AcceptTimeout
	if timeout <= 0 {
		timeout = DefaultAcceptTimeout
	}
	return &Driver{
		acceptTimeout: timeout,
		log:           logger(opts.Logger),
		registerCh:    make(chan registration),
		readCh:        make(chan readResult, 64),
		commandCh:     make(chan command),
		events:        make(chan Event, buf),
		done:          make(chan struct{}),
		engines:       make(map[uint64]*Engine),
	}
}

// Events returns the channel the Driver publishes update events to.
// Callers must keep draining it: the run loop blocks on a send when
// the buffer fills, the same backpressure a slow broadcast consumer
// would apply to a fan-out hub.
func (d *Driver) Events() <-chan Event {
	return d.events
}

// Register hands a freshly constructed Engine to the Driver, assigns
// it a monotonically increasing connection index, and starts the
// per-connection goroutine that blocks on transport reads. Returns the
// assigned index.
func (d *Driver) Register(e *Engine) uint64 {
	idx := atomic.AddUint64(&d.nextIndex, 1)
	readSize := e.readRate
	if readSize <= 0 {
		readSize = DefaultReadRate
	}

	d.wg.Add(1)
	go d.readLoop(idx, e, readSize)

	select {
	case d.registerCh <- registration{index: idx, engine: e}:
	case <-d.done:
	}
	return idx
}

// readLoop is the per-connection goroutine that stands in for the
// nonblocking readiness wait of a single-threaded select() loop: it
// blocks on Read so the run loop never has to, and forwards whatever
// it gets back over readCh for the run loop to fold into the Engine.
func (d *Driver) readLoop(idx uint64, e *Engine, readSize int) {
	defer d.wg.Done()
	buf := make([]byte, readSize)
	for {
		n, err := e.transport.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case d.readCh <- readResult{index: idx, chunk: chunk}:
			case <-d.done:
				return
			}
		}
		if err != nil {
			select {
			case d.readCh <- readResult{index: idx, err: err}:
			case <-d.done:
			}
			return
		}
	}
}

// Write enqueues a single frame for connection index.
func (d *Driver) Write(index uint64, payload []byte, opcode Opcode, isFinal bool) {
	d.dispatch(index, func(e *Engine) { _ = e.Write(payload, opcode, isFinal) })
}

// WriteMulti enqueues a fragmented message for connection index.
func (d *Driver) WriteMulti(index uint64, payload []byte, opcode Opcode, frameSize int) {
	d.dispatch(index, func(e *Engine) { _ = e.WriteMulti(payload, opcode, frameSize) })
}

// SendClose enqueues a Close frame for connection index.
func (d *Driver) SendClose(index uint64, code CloseCode, reason string) {
	d.dispatch(index, func(e *Engine) { _ = e.SendClose(code, reason) })
}

// CloseAfterWrite latches shutdown of connection index once its queues
// drain.
func (d *Driver) CloseAfterWrite(index uint64) {
	d.dispatch(index, func(e *Engine) { e.CloseAfterWrite() })
}

// Accept approves a pending server-side handshake on connection index.
func (d *Driver) Accept(index uint64, protocol string) {
	d.dispatch(index, func(e *Engine) { _ = e.Accept(protocol) })
}

// Deny rejects a pending server-side handshake on connection index
// with the given HTTP status code.
func (d *Driver) Deny(index uint64, httpCode int) {
	d.dispatch(index, func(e *Engine) { _ = e.Deny(httpCode) })
}

// dispatch queues fn to run against the Engine for index on the run
// loop goroutine. Silently dropped if the Driver has already shut down
// or the connection was already removed — callers observe removal
// through the event stream, not through a return value here.
func (d *Driver) dispatch(index uint64, fn func(*Engine)) {
	select {
	case d.commandCh <- command{index: index, fn: fn}:
	case <-d.done:
	}
}

// Run is the cooperative multiplexer's single run loop. It owns every
// Engine's state exclusively and never blocks on a network read itself —
// reads arrive over the channels that per-connection goroutines and
// callers feed it. Writes do run on this goroutine, each transport Write
// bounded by a short write deadline. Run returns when ctx is canceled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return

		case reg := <-d.registerCh:
			d.engines[reg.index] = reg.engine

		case rr := <-d.readCh:
			d.handleReadResult(rr)

		case cmd := <-d.commandCh:
			e, ok := d.engines[cmd.index]
			if !ok {
				continue
			}
			cmd.fn(e)
			d.flushEngine(cmd.index, e)

		case <-ticker.C:
			d.sweepAcceptTimeouts()
			d.retryStalledWrites()
		}
	}
}

// retryStalledWrites gives any connection still holding unwritten bytes
// after a SetWriteDeadline timeout another chance to drain, in case no
// read or command event arrives to trigger flushEngine on its own.
func (d *Driver) retryStalledWrites() {
	for idx, e := range d.engines {
		if e.HasPendingWrite() {
			d.log.Debug().Uint64("index", idx).Str("remote", e.remoteAddr).Msg("retrying stalled write")
			d.flushEngine(idx, e)
		}
	}
}

func (d *Driver) handleReadResult(rr readResult) {
	e, ok := d.engines[rr.index]
	if !ok {
		return
	}

	if rr.err != nil {
		ev := e.NotifyDisconnected()
		d.emit(ev, rr.index)
		d.removeEngine(rr.index)
		return
	}

	for _, ev := range e.HandleRead(rr.chunk) {
		d.emit(ev, rr.index)
	}
	d.flushEngine(rr.index, e)
}

// flushEngine drains whatever the Engine now has queued to send and
// removes it from the connection table once it reports removal.
func (d *Driver) flushEngine(idx uint64, e *Engine) {
	for _, ev := range e.HandleWrite() {
		d.emit(ev, idx)
	}
	if e.PendingRemoval() {
		d.removeEngine(idx)
	}
}

func (d *Driver) removeEngine(idx uint64) {
	delete(d.engines, idx)
}

// sweepAcceptTimeouts denies server-side connections whose handshake
// validated but that the application never called Accept/Deny on
// within AcceptTimeout.
func (d *Driver) sweepAcceptTimeouts() {
	now := time.Now()
	for idx, e := range d.engines {
		if e.role != RoleServer || !e.hasHandshake || e.accepted {
			continue
		}
		if now.Sub(e.openedAt) < d.acceptTimeout {
			continue
		}
		d.log.Warn().Uint64("index", idx).Str("remote", e.remoteAddr).Msg("accept timeout passed, denying")
		d.emit(newEvent(EventAcceptTimeoutPassed, e), idx)
		_ = e.Deny(408)
		d.flushEngine(idx, e)
	}
}

func (d *Driver) emit(ev Event, idx uint64) {
	ev.Index = idx
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// shutdown closes every connection's transport, which unblocks every
// per-connection reader goroutine, then waits for them to exit.
func (d *Driver) shutdown() {
	close(d.done)
	for idx, e := range d.engines {
		_ = e.transport.Close()
		delete(d.engines, idx)
	}
	d.wg.Wait()
}
