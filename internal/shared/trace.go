// Package shared holds small cross-cutting helpers: operation-scoped log
// correlation and secret redaction for log/error strings.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// Op identifies one logical operation for log correlation: an ingest
// tick, an inbound HTTP request, a registry sync, a queue dispatch. It
// travels on the context and annotates every log line the operation
// emits, so a branch failure inside a tick can be tied back to its run
// and the branch that caused it.
type Op struct {
	TraceID  string
	Kind     string // ingest | sync | http | dispatch | bot
	BranchID string // set once the operation narrows to a single branch
}

type opKey struct{}

// BeginOp starts a new correlated operation of the given kind, stamping
// the context with a fresh trace id.
func BeginOp(ctx context.Context, kind string) (context.Context, Op) {
	op := Op{TraceID: uuid.NewString(), Kind: kind}
	return context.WithValue(ctx, opKey{}, op), op
}

// WithBranch narrows the current operation to one branch. Later log
// lines carry the branch alongside the trace id; the trace id itself is
// preserved so per-branch work still correlates to its parent run.
func WithBranch(ctx context.Context, branchID string) context.Context {
	op := CurrentOp(ctx)
	op.BranchID = branchID
	return context.WithValue(ctx, opKey{}, op)
}

// CurrentOp returns the operation on the context, or a zero Op when the
// caller is outside any correlated operation.
func CurrentOp(ctx context.Context) Op {
	if op, ok := ctx.Value(opKey{}).(Op); ok {
		return op
	}
	return Op{}
}

// TraceID extracts the current operation's trace id. Returns "-" when
// absent so log lines stay grep-friendly.
func TraceID(ctx context.Context) string {
	if op := CurrentOp(ctx); op.TraceID != "" {
		return op.TraceID
	}
	return "-"
}

// LogAttrs renders the operation as slog key/value pairs, omitting the
// branch until one is set.
func (o Op) LogAttrs() []any {
	attrs := []any{"trace_id", o.TraceID}
	if o.Kind != "" {
		attrs = append(attrs, "op", o.Kind)
	}
	if o.BranchID != "" {
		attrs = append(attrs, "branch_id", o.BranchID)
	}
	return attrs
}
