package stdio

import (
	"io"
	"log/slog"
)

// Option customizes a Transport.
type Option func(*Transport)

// WithIO replaces os.Stdin and os.Stdout. A nil argument keeps the
// default.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(t *Transport) {
		if r != nil {
			t.r = r
		}
		if w != nil {
			t.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithUserProvider overrides how the peer is identified.
func WithUserProvider(up UserProvider) Option {
	return func(t *Transport) {
		if up != nil {
			t.users = up
		}
	}
}
