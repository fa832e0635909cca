package websocket

import "github.com/rs/zerolog"

// nopLogger discards everything. Engine and Driver fall back to it
// whenever the caller leaves Logger nil, so logging is always safe to
// call into without a nil check at every call site.
var nopLogger = zerolog.Nop()

// logger returns l dereferenced, or the no-op logger if l is nil.
// Engine and Driver store *zerolog.Logger so "unset" is representable
// without relying on zerolog.Logger's unexported zero-value behavior.
func logger(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return nopLogger
	}
	return *l
}
