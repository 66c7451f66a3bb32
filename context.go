package vmledger

import "context"

// Audit causes set by the engine itself.
const (
	CauseRequest      = "request"
	CauseAccrualSweep = "accrual_sweep"
)

type causeKey struct{}

// WithCause tags ctx with who or what initiated an operation. The cause is
// written to every audit record the operation produces.
func WithCause(ctx context.Context, cause string) context.Context {
	return context.WithValue(ctx, causeKey{}, cause)
}

// CauseFrom returns the cause set by WithCause, or CauseRequest.
func CauseFrom(ctx context.Context) string {
	if v, ok := ctx.Value(causeKey{}).(string); ok && v != "" {
		return v
	}
	return CauseRequest
}
