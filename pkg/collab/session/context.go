package session

import (
	"context"
	"errors"
)

// ErrNoSession is returned by FromContext when no session is attached
// to the context. Hitting it is a programming error in the caller's
// wiring, not a runtime failure mode.
var ErrNoSession = errors.New("session: no active collaboration session in context")

type contextKey struct{}

// NewContext returns a context carrying the session, for handing to
// UI components that read collaboration state through FromContext.
func NewContext(parent context.Context, s *Session) context.Context {
	return context.WithValue(parent, contextKey{}, s)
}

// FromContext returns the session attached to the context, or
// ErrNoSession if the context was not built with NewContext.
func FromContext(ctx context.Context) (*Session, error) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	if !ok || s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

// MustFromContext is FromContext for call sites that are only ever
// reached inside a session scope. It panics with ErrNoSession
// otherwise, failing loudly instead of degrading silently.
func MustFromContext(ctx context.Context) *Session {
	s, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return s
}
