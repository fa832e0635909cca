package websocket

// EventCode tags the kind of update event yielded by an Engine or
// Driver cycle.
type EventCode int

const (
	// Read-side events.

	// EventNewConnection fires once a server-side engine's inbound
	// handshake validated and the connection moved to Open.
	EventNewConnection EventCode = iota
	// EventConnectionAccepted fires once a client-side engine's
	// handshake response validated (HTTP 101).
	EventConnectionAccepted
	// EventConnectionDenied fires when a client-side handshake response
	// was not HTTP 101.
	EventConnectionDenied
	// EventRead fires once a complete message (Text or Binary, possibly
	// reassembled from fragments) is available.
	EventRead
	// EventPing fires when a Ping control frame is received.
	EventPing
	// EventReadDisconnect fires when a Close frame was received from
	// the peer.
	EventReadDisconnect
	// EventSockDisconnect fires when the transport read ended (end of
	// stream or a read error) after the peer had already sent a Close
	// frame: a clean shutdown.
	EventSockDisconnect

	// Error events.

	// EventSelectError fires when the driver's readiness wait failed.
	EventSelectError
	// EventReadError is not emitted by the Driver: a transport read
	// error, like end of stream, is reported through NotifyDisconnected
	// as EventSockDisconnect or EventReadUnexpectedDisconnect.
	EventReadError
	// EventReadEmpty fires when handle_read is invoked with nothing to
	// read (defensive, should not occur under correct driver dispatch).
	EventReadEmpty
	// EventReadUnhandled fires when the dispatch loop reaches an opcode
	// with no handling branch: a programming error, not a wire error.
	EventReadUnhandled
	// EventHandshakeFailure fires when a server-side handshake request
	// failed validation.
	EventHandshakeFailure
	// EventHandshakeTooLarge fires when a handshake exceeded
	// MaxHandshakeLength before a terminator was found.
	EventHandshakeTooLarge
	// EventReadInvalidPayload fires on a payload-content violation:
	// invalid UTF-8 in a text message, or a new Text/Binary frame
	// arriving while a fragmented message is still in progress.
	EventReadInvalidPayload
	// EventReadInvalidHeaders is not emitted by the Engine: a close
	// frame whose code or reason bytes fail validation is answered with
	// 1002 and reported as EventReadDisconnect.
	EventReadInvalidHeaders
	// EventReadUnexpectedDisconnect fires when the transport read ended
	// (end of stream or a read error) without a prior Close from the peer.
	EventReadUnexpectedDisconnect
	// EventReadProtocolError fires on a frame-level protocol violation
	// (bad opcode, control-frame constraints, continuation discipline).
	EventReadProtocolError
	// EventReadRsvBitSet fires when an RSV bit was set without the
	// matching AllowRSVn option.
	EventReadRsvBitSet
	// EventWriteError fires on a transport write I/O error.
	EventWriteError
	// EventAcceptTimeoutPassed fires when a server connection's
	// handshake-accepted window elapsed without the application calling
	// Accept/Deny.
	EventAcceptTimeoutPassed
)

// String names the event code for logging.
func (c EventCode) String() string {
	switch c {
	case EventNewConnection:
		return "NewConnection"
	case EventConnectionAccepted:
		return "ConnectionAccepted"
	case EventConnectionDenied:
		return "ConnectionDenied"
	case EventRead:
		return "Read"
	case EventPing:
		return "Ping"
	case EventReadDisconnect:
		return "ReadDisconnect"
	case EventSockDisconnect:
		return "SockDisconnect"
	case EventSelectError:
		return "SelectError"
	case EventReadError:
		return "ReadError"
	case EventReadEmpty:
		return "ReadEmpty"
	case EventReadUnhandled:
		return "ReadUnhandled"
	case EventHandshakeFailure:
		return "HandshakeFailure"
	case EventHandshakeTooLarge:
		return "HandshakeTooLarge"
	case EventReadInvalidPayload:
		return "ReadInvalidPayload"
	case EventReadInvalidHeaders:
		return "ReadInvalidHeaders"
	case EventReadUnexpectedDisconnect:
		return "ReadUnexpectedDisconnect"
	case EventReadProtocolError:
		return "ReadProtocolError"
	case EventReadRsvBitSet:
		return "ReadRsvBitSet"
	case EventWriteError:
		return "WriteError"
	case EventAcceptTimeoutPassed:
		return "AcceptTimeoutPassed"
	default:
		return "Unknown"
	}
}

// Event is a tagged update yielded by an Engine's HandleRead or
// HandleWrite, or by a Driver cycle. Only the fields relevant to Code
// are populated; the rest are left at their zero value.
type Event struct {
	Code   EventCode
	Engine *Engine
	// Index is the engine's connection index as tracked by the Driver
	// (0 for engines not yet registered, e.g. in unit tests).
	Index uint64
	// Opcode and Payload are set only for EventRead and EventPing.
	Opcode  Opcode
	Payload []byte
	// Err carries the underlying cause for error-shaped events.
	Err error
}

func newEvent(code EventCode, e *Engine) Event {
	return Event{Code: code, Engine: e}
}

func newErrorEvent(code EventCode, e *Engine, err error) Event {
	return Event{Code: code, Engine: e, Err: err}
}

func newReadEvent(e *Engine, opcode Opcode, payload []byte) Event {
	return Event{Code: EventRead, Engine: e, Opcode: opcode, Payload: payload}
}

func newPingEvent(e *Engine, payload []byte) Event {
	return Event{Code: EventPing, Engine: e, Payload: payload}
}
