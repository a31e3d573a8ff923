package changefeed

import "context"

type originKey struct{}

// WithOrigin marks writes made under ctx as coming from sync run syncID.
// Stores copy it onto the Change they publish.
func WithOrigin(ctx context.Context, syncID string) context.Context {
	return context.WithValue(ctx, originKey{}, syncID)
}

// OriginFrom returns the sync id set by WithOrigin, or "".
func OriginFrom(ctx context.Context) string {
	id, _ := ctx.Value(originKey{}).(string)
	return id
}
