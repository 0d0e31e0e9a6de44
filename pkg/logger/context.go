package logger

import "context"

type sessionKey struct{}

// WithSession tags every record logged with ctx by the given session id.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the id stored by WithSession.
func SessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok
}

func sessionAttrs(ctx context.Context) []any {
	if id, ok := SessionID(ctx); ok {
		return []any{"session", id}
	}
	return nil
}
