package log

import "context"

type ctxKey string

const bufferIDKey ctxKey = "buffer_id"

// ContextWithBufferID stores the owning Playlist Buffer's correlation id in
// the context so every log line emitted by the refresh loop, the
// downloader, and the worker pool for one buffer instance can be grepped
// together.
func ContextWithBufferID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bufferIDKey, id)
}

// BufferIDFromContext extracts the buffer correlation id from context if present.
func BufferIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(bufferIDKey).(string); ok {
		return v
	}
	return ""
}
