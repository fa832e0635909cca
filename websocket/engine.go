package websocket

import (
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Role distinguishes which side of the handshake an Engine plays. The
// frame codec's masking rules and the handshake codec both key off it.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Phase is the connection lifecycle state.
type Phase int

const (
	PhaseHandshaking Phase = iota
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "handshaking"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the nonblocking byte channel an Engine drives. A TLS
// connection satisfies this the same way a raw TCP connection does —
// TLS is purely a transport wrapper and never appears in the frame or
// handshake codec.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Engine is the per-connection protocol state machine: it owns frame
// decoding, fragment reassembly, the control/data write queues, and
// the closing handshake for exactly one connection.
//
// An Engine's buffers are mutated only by the goroutine that calls its
// HandleRead/HandleWrite methods — normally the Driver's single run
// loop. Engines never share state across goroutines directly.
type Engine struct {
	role      Role
	transport Transport
	phase     Phase

	readBuf  []byte
	writeBuf []byte

	// handshakeOut holds a pending handshake request (client) or
	// response (server, queued by Accept/Deny). It is always flushed
	// ahead of the control/data queues because it has to reach the
	// peer before any frame does.
	handshakeOut []byte

	controlQueue [][]byte
	dataQueue    [][]byte

	partialMessage []byte
	partialOpcode  Opcode
	inFragment     bool

	nextReadHint int

	closeAfterWrite bool
	peerSentClose   bool
	localSentClose  bool

	allowRSV1, allowRSV2, allowRSV3 bool
	readRate, writeRate             int
	maxHandshakeLength              int

	// client-side handshake state
	handshakeAccepted bool

	// server-side handshake state
	hasHandshake       bool
	accepted           bool
	pendingAcceptKey   string
	negotiatedProtocol string
	serverProtocols    []string
	serverID           string

	// client-side request parameters, used to build the upgrade request.
	clientProtocols []string

	remoteAddr string
	openedAt   time.Time

	// pendingRemoval is set once the Engine believes the Driver should
	// drop it from its connection table. It is a deferred action: it's
	// recorded here and consumed by the Driver after HandleRead or
	// HandleWrite returns, never acted on mid-call.
	pendingRemoval bool

	log zerolog.Logger
}

// EngineOptions configures a new Engine. Zero-valued fields take the
// package defaults.
type EngineOptions struct {
	Config   EngineConfig
	Logger   *zerolog.Logger
	ServerID string
}

// NewServerEngine constructs an Engine for a freshly accepted TCP
// connection, starting in Handshaking phase.
func NewServerEngine(transport Transport, remoteAddr string, protocols []string, opts EngineOptions) *Engine {
	cfg := opts.Config.applyDefaults()
	return &Engine{
		role:                RoleServer,
		transport:           transport,
		phase:               PhaseHandshaking,
		allowRSV1:           cfg.AllowRSV1,
		allowRSV2:           cfg.AllowRSV2,
		allowRSV3:           cfg.AllowRSV3,
		readRate:            cfg.ReadRate,
		writeRate:           cfg.WriteRate,
		maxHandshakeLength:  cfg.MaxHandshakeLength,
		serverProtocols:     protocols,
		serverID:            opts.ServerID,
		remoteAddr:          remoteAddr,
		openedAt:            time.Now(),
		log:                 logger(opts.Logger),
	}
}

// NewClientEngine constructs an Engine that initiates a connection to
// host:port/path, queuing the upgrade request immediately.
func NewClientEngine(transport Transport, host string, port int, path string, protocols []string, opts EngineOptions) *Engine {
	cfg := opts.Config.applyDefaults()
	e := &Engine{
		role:               RoleClient,
		transport:          transport,
		phase:              PhaseHandshaking,
		allowRSV1:          cfg.AllowRSV1,
		allowRSV2:          cfg.AllowRSV2,
		allowRSV3:          cfg.AllowRSV3,
		readRate:           cfg.ReadRate,
		writeRate:          cfg.WriteRate,
		maxHandshakeLength: cfg.MaxHandshakeLength,
		clientProtocols:    protocols,
		openedAt:           time.Now(),
		log:                logger(opts.Logger),
	}
	req, _ := buildClientHandshakeRequest(host, port, path, protocols)
	e.handshakeOut = req
	return e
}

// Accessors used by the Driver and by callers inspecting state.

func (e *Engine) Role() Role              { return e.role }
func (e *Engine) Phase() Phase            { return e.phase }
func (e *Engine) RemoteAddr() string      { return e.remoteAddr }
func (e *Engine) OpenedAt() time.Time     { return e.openedAt }
func (e *Engine) HasHandshake() bool      { return e.hasHandshake }
func (e *Engine) Accepted() bool          { return e.accepted }
func (e *Engine) HandshakeAccepted() bool { return e.handshakeAccepted }
func (e *Engine) PendingRemoval() bool    { return e.pendingRemoval }
func (e *Engine) Protocol() string        { return e.negotiatedProtocol }

// NextReadHint reports how many bytes the Driver should try to read
// next: the remainder of the frame header or payload currently being
// assembled, capped by ReadRate.
func (e *Engine) NextReadHint() int {
	hint := e.nextReadHint
	if hint <= 0 {
		hint = e.readRate
	}
	if hint > e.readRate {
		hint = e.readRate
	}
	return hint
}

// HasPendingWrite reports whether the Engine has anything queued to
// send, for the Driver's write-readiness set.
func (e *Engine) HasPendingWrite() bool {
	return len(e.writeBuf) > 0 || e.handshakeOut != nil ||
		len(e.controlQueue) > 0 || len(e.dataQueue) > 0
}

func (e *Engine) isDisconnecting() bool {
	return e.closeAfterWrite || e.phase == PhaseClosed
}

// enqueueControl frames and queues a control message.
func (e *Engine) enqueueControl(opcode Opcode, payload []byte, fin bool) {
	f := encodeFrame(opcode, payload, fin, e.role == RoleClient, false, false, false)
	e.controlQueue = append(e.controlQueue, f)
}

// Write frames payload as a single wire frame and enqueues it. Control
// opcodes go to the control queue; data opcodes (including
// Continuation) go to the data queue.
func (e *Engine) Write(payload []byte, opcode Opcode, isFinal bool) error {
	if e.phase == PhaseClosed {
		return ErrClosed
	}
	if isControlFrame(opcode) {
		if len(payload) > maxControlPayload {
			return ErrControlTooLarge
		}
		if !isFinal {
			return ErrControlFragmented
		}
	}

	f := encodeFrame(opcode, payload, isFinal, e.role == RoleClient, false, false, false)
	if isControlFrame(opcode) {
		e.controlQueue = append(e.controlQueue, f)
	} else {
		e.dataQueue = append(e.dataQueue, f)
	}
	return nil
}

// WriteMulti splits payload into frames of at most frameSize bytes
// each: the first frame carries opcode with FIN=0, middle frames carry
// Continuation with FIN=0, and the last frame carries Continuation
// with FIN=1. Rejects control opcodes.
func (e *Engine) WriteMulti(payload []byte, opcode Opcode, frameSize int) error {
	if opcode != OpcodeText && opcode != OpcodeBinary {
		return ErrNotDataOpcode
	}
	if frameSize <= 0 {
		return ErrInvalidFrameSize
	}
	if e.phase == PhaseClosed {
		return ErrClosed
	}

	if len(payload) == 0 {
		return e.Write(payload, opcode, true)
	}

	first := true
	for offset := 0; offset < len(payload); offset += frameSize {
		end := offset + frameSize
		if end > len(payload) {
			end = len(payload)
		}
		op := Opcode(OpcodeContinuation)
		if first {
			op = opcode
		}
		if err := e.Write(payload[offset:end], op, end == len(payload)); err != nil {
			return err
		}
		first = false
	}
	return nil
}

// sendCloseInternal frames and queues a Close control frame, used by
// both the public SendClose and the engine's own protocol-violation
// and close-echo paths.
func (e *Engine) sendCloseInternal(code CloseCode, reason string) {
	if e.localSentClose {
		return
	}
	if !isValidSendCloseCode(code) {
		code = CloseProtocolError
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], reason)
	e.enqueueControl(OpcodeClose, payload, true)
	e.localSentClose = true
	if e.phase == PhaseOpen {
		e.phase = PhaseClosing
	}
}

// SendClose enqueues a Close frame and marks the local side as having
// sent one — it does not itself close the transport.
func (e *Engine) SendClose(code CloseCode, reason string) error {
	if !isValidSendCloseCode(code) {
		return ErrInvalidCloseCode
	}
	e.sendCloseInternal(code, reason)
	return nil
}

// CloseAfterWrite latches shutdown of the transport once all queues
// and the write buffer drain.
func (e *Engine) CloseAfterWrite() {
	e.closeAfterWrite = true
}

// Accept queues the 101 Switching Protocols response for a validated
// server-side handshake. An empty protocol falls back to the
// subprotocol negotiated from the client's request, which is itself
// empty when none of the offered subprotocols matched.
func (e *Engine) Accept(protocol string) error {
	if e.role != RoleServer {
		return ErrInvalidMessageType
	}
	if !e.hasHandshake {
		return ErrClosed
	}
	if protocol == "" {
		protocol = e.negotiatedProtocol
	}
	e.handshakeOut = buildSwitchingProtocolsResponse(e.pendingAcceptKey, protocol, e.serverID)
	e.accepted = true
	return nil
}

// Deny queues an HTTP error response instead of the upgrade response
// and latches close-after-write.
func (e *Engine) Deny(httpCode int) error {
	if e.role != RoleServer {
		return ErrInvalidMessageType
	}
	e.handshakeOut = buildErrorResponse(httpCode, e.serverID)
	e.accepted = true
	e.closeAfterWrite = true
	return nil
}

// HandleRead appends a freshly-read chunk to the read buffer and runs
// the decode pipeline, returning every update event produced.
func (e *Engine) HandleRead(chunk []byte) []Event {
	if e.phase == PhaseClosed {
		return nil
	}
	if len(chunk) == 0 {
		return []Event{newErrorEvent(EventReadEmpty, e, nil)}
	}
	e.readBuf = append(e.readBuf, chunk...)

	if e.phase == PhaseHandshaking {
		events, proceed := e.handleHandshakeRead()
		if !proceed {
			return events
		}
		return append(events, e.decodeFrames()...)
	}

	return e.decodeFrames()
}

// handleHandshakeRead looks for the end of the HTTP header block and,
// if found, validates it and advances the phase. The returned bool
// reports whether the frame decode loop should also run this cycle:
// true when trailing bytes arrived attached to the handshake block and
// need to be fed straight into the frame decoder.
func (e *Engine) handleHandshakeRead() ([]Event, bool) {
	idx := findHandshakeTerminator(e.readBuf)
	if idx < 0 {
		if len(e.readBuf) > e.maxHandshakeLength {
			e.log.Warn().Str("remote", e.remoteAddr).Int("limit", e.maxHandshakeLength).Msg("handshake too large, closing")
			e.closeAfterWrite = true
			e.pendingRemoval = true
			return []Event{newErrorEvent(EventHandshakeTooLarge, e, ErrHandshakeTooLarge)}, false
		}
		return nil, false
	}

	block := string(e.readBuf[:idx])
	trailing := e.readBuf[idx:]
	e.readBuf = trailing

	if e.role == RoleServer {
		hs, code, err := parseServerHandshakeRequest(block, e.serverProtocols)
		if err != nil {
			e.log.Debug().Str("remote", e.remoteAddr).Int("http_status", code).Err(err).Msg("handshake request rejected")
			e.handshakeOut = buildErrorResponse(code, e.serverID)
			e.closeAfterWrite = true
			e.pendingRemoval = true
			return []Event{newErrorEvent(EventHandshakeFailure, e, err)}, false
		}
		e.pendingAcceptKey = computeAcceptKey(hs.key)
		e.negotiatedProtocol = hs.protocol
		e.hasHandshake = true
		e.phase = PhaseOpen
		return []Event{newEvent(EventNewConnection, e)}, len(trailing) > 0
	}

	resp, err := parseClientHandshakeResponse(block)
	if err != nil || resp.status != 101 {
		e.closeAfterWrite = true
		e.pendingRemoval = true
		return []Event{newEvent(EventConnectionDenied, e)}, false
	}
	e.handshakeAccepted = true
	e.phase = PhaseOpen
	return []Event{newEvent(EventConnectionAccepted, e)}, len(trailing) > 0
}

// decodeFrames runs the Open/Closing read pipeline over e.readBuf,
// advancing past every complete frame it can decode.
//
//nolint:gocyclo,cyclop // one dispatch loop over every opcode, deliberately not split up.
func (e *Engine) decodeFrames() []Event {
	var events []Event
	var pendingPongs [][]byte

readLoop:
	for e.phase == PhaseOpen || e.phase == PhaseClosing {
		h, err := decodeHeader(e.readBuf, e.role)
		if err == errIncomplete {
			break
		}
		if err != nil {
			code, ok := asProtocolError(err)
			if !ok {
				code = CloseProtocolError
			}
			e.log.Warn().Str("remote", e.remoteAddr).Err(err).Msg("frame decode failed, closing")
			e.sendCloseInternal(code, err.Error())
			e.closeAfterWrite = true
			events = append(events, newErrorEvent(EventReadProtocolError, e, err))
			break readLoop
		}

		if (h.rsv1 && !e.allowRSV1) || (h.rsv2 && !e.allowRSV2) || (h.rsv3 && !e.allowRSV3) {
			e.log.Warn().Str("remote", e.remoteAddr).Msg("unexpected RSV bit set, closing")
			e.sendCloseInternal(CloseProtocolError, "Unexpected RSV bit set")
			e.closeAfterWrite = true
			events = append(events, newErrorEvent(EventReadRsvBitSet, e, ErrReservedBits))
			break readLoop
		}

		total := h.frameSize()
		if len(e.readBuf) < total {
			e.nextReadHint = total - len(e.readBuf)
			break
		}

		payload := decodePayload(e.readBuf, h)
		e.readBuf = e.readBuf[total:]
		e.nextReadHint = 0

		switch h.opcode {
		case OpcodeContinuation:
			if !e.inFragment {
				e.log.Warn().Str("remote", e.remoteAddr).Msg("unexpected continuation frame, closing")
				e.sendCloseInternal(CloseProtocolError, "unexpected continuation frame")
				e.closeAfterWrite = true
				events = append(events, newErrorEvent(EventReadProtocolError, e, ErrUnexpectedContinuation))
				break readLoop
			}
			e.partialMessage = append(e.partialMessage, payload...)
			if h.fin {
				ev, fatal := e.finishPartialMessage()
				events = append(events, ev)
				if fatal {
					break readLoop
				}
			}

		case OpcodeText, OpcodeBinary:
			if e.inFragment {
				e.log.Warn().Str("remote", e.remoteAddr).Msg("data frame received mid-fragment, closing")
				e.sendCloseInternal(CloseProtocolError, "data frame received mid-fragment")
				e.closeAfterWrite = true
				events = append(events, newErrorEvent(EventReadInvalidPayload, e, ErrUnexpectedDataFrame))
				break readLoop
			}
			if h.fin {
				if h.opcode == OpcodeText && !validTextPayload(payload) {
					e.log.Warn().Str("remote", e.remoteAddr).Msg("invalid UTF-8 in text message, closing")
					e.sendCloseInternal(CloseInvalidFramePayloadData, "invalid UTF-8")
					e.closeAfterWrite = true
					events = append(events, newErrorEvent(EventReadInvalidPayload, e, ErrInvalidUTF8))
					break readLoop
				}
				events = append(events, newReadEvent(e, h.opcode, payload))
			} else {
				e.inFragment = true
				e.partialOpcode = h.opcode
				e.partialMessage = append([]byte(nil), payload...)
			}

		case OpcodeClose:
			events = append(events, e.handleCloseFrame(payload))
			break readLoop

		case OpcodePing:
			events = append(events, newPingEvent(e, payload))
			pendingPongs = append(pendingPongs, payload)

		case OpcodePong:
			// no-op

		default:
			e.log.Warn().Str("remote", e.remoteAddr).Uint8("opcode", uint8(h.opcode)).Msg("reserved opcode, closing")
			events = append(events, newErrorEvent(EventReadUnhandled, e, ErrInvalidOpcode))
			break readLoop
		}
	}

	if len(pendingPongs) > 0 && !e.isDisconnecting() {
		for _, p := range pendingPongs {
			e.enqueueControl(OpcodePong, p, true)
		}
	}

	return events
}

// finishPartialMessage closes out a fragmented message once its FIN
// frame arrives, validating UTF-8 for Text messages.
func (e *Engine) finishPartialMessage() (Event, bool) {
	msgType := e.partialOpcode
	payload := e.partialMessage
	e.inFragment = false
	e.partialMessage = nil

	if msgType == OpcodeText && !validTextPayload(payload) {
		e.log.Warn().Str("remote", e.remoteAddr).Msg("invalid UTF-8 in reassembled text message, closing")
		e.sendCloseInternal(CloseInvalidFramePayloadData, "invalid UTF-8")
		e.closeAfterWrite = true
		return newErrorEvent(EventReadInvalidPayload, e, ErrInvalidUTF8), true
	}
	return newReadEvent(e, msgType, payload), false
}

// handleCloseFrame processes a received Close frame.
func (e *Engine) handleCloseFrame(payload []byte) Event {
	var code CloseCode
	var reason string

	switch {
	case len(payload) >= 2:
		code = CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
		reasonBytes := payload[2:]
		if !isValidReceiveCloseCode(code) || !validTextPayload(reasonBytes) {
			e.peerSentClose = true
			e.sendCloseInternal(CloseProtocolError, "invalid close code or reason")
			if e.role == RoleServer {
				e.closeAfterWrite = true
			}
			return newEvent(EventReadDisconnect, e)
		}
		reason = string(reasonBytes)
	default:
		code = CloseNormalClosure
	}

	e.peerSentClose = true
	e.sendCloseInternal(code, reason)
	if e.role == RoleServer {
		e.closeAfterWrite = true
	}
	return newEvent(EventReadDisconnect, e)
}

// promoteNextWrite moves the next pending message into the write
// buffer, in priority order: handshake bytes, then control frames,
// then data frames.
func (e *Engine) promoteNextWrite() bool {
	if e.handshakeOut != nil {
		e.writeBuf = e.handshakeOut
		e.handshakeOut = nil
		return true
	}
	if len(e.controlQueue) > 0 {
		e.writeBuf = e.controlQueue[0]
		e.controlQueue = e.controlQueue[1:]
		return true
	}
	if len(e.dataQueue) > 0 {
		e.writeBuf = e.dataQueue[0]
		e.dataQueue = e.dataQueue[1:]
		return true
	}
	return false
}

// HandleWrite drains up to WriteRate bytes to the transport, yielding
// at most one error event.
func (e *Engine) HandleWrite() []Event {
	if e.phase == PhaseClosed {
		return nil
	}

	budget := e.writeRate
	for budget > 0 {
		if len(e.writeBuf) == 0 && !e.promoteNextWrite() {
			break
		}

		n := len(e.writeBuf)
		if n > budget {
			n = budget
		}

		_ = e.transport.SetWriteDeadline(time.Now().Add(writeDeadline))
		written, err := e.transport.Write(e.writeBuf[:n])
		_ = e.transport.SetWriteDeadline(time.Time{})
		e.writeBuf = e.writeBuf[written:]
		budget -= written
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// peer isn't keeping up; leave the remainder queued
				// and let the next write cycle retry it.
				break
			}
			e.log.Warn().Str("remote", e.remoteAddr).Err(err).Msg("transport write failed")
			e.pendingRemoval = true
			return []Event{newErrorEvent(EventWriteError, e, err)}
		}
		if written == 0 {
			break
		}
	}

	if e.closeAfterWrite && len(e.writeBuf) == 0 && e.handshakeOut == nil &&
		len(e.controlQueue) == 0 && len(e.dataQueue) == 0 {
		_ = e.transport.Close()
		e.phase = PhaseClosed
		e.pendingRemoval = true
	}

	return nil
}

// NotifyDisconnected is called by the Driver when the transport's read
// side ended, by end of stream or by any other read error: a clean
// close if the peer already sent Close, otherwise unexpected.
func (e *Engine) NotifyDisconnected() Event {
	e.pendingRemoval = true
	_ = e.transport.Close()
	e.phase = PhaseClosed
	if e.peerSentClose {
		return newEvent(EventSockDisconnect, e)
	}
	return newErrorEvent(EventReadUnexpectedDisconnect, e, io.EOF)
}
