package audit

import "context"

type contextKey string

const (
	ctxIPAddress contextKey = "audit_ip"
	ctxUserAgent contextKey = "audit_user_agent"
)

// WithClientInfo attaches the client IP and user agent used for entries
// whose Action leaves them empty.
func WithClientInfo(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ctxIPAddress, ip)
	return context.WithValue(ctx, ctxUserAgent, userAgent)
}

func clientInfo(ctx context.Context) (ip, userAgent string) {
	ip, _ = ctx.Value(ctxIPAddress).(string)
	userAgent, _ = ctx.Value(ctxUserAgent).(string)
	return ip, userAgent
}
