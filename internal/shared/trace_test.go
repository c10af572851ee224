package shared

import (
	"context"
	"testing"
)

func TestBeginOpStampsTraceID(t *testing.T) {
	ctx, op := BeginOp(context.Background(), "ingest")

	if op.TraceID == "" {
		t.Fatal("BeginOp must generate a trace id")
	}
	if op.Kind != "ingest" {
		t.Fatalf("kind = %q", op.Kind)
	}
	if got := CurrentOp(ctx); got != op {
		t.Fatalf("context op = %+v, want %+v", got, op)
	}
	if got := TraceID(ctx); got != op.TraceID {
		t.Fatalf("TraceID = %q, want %q", got, op.TraceID)
	}
}

func TestTraceIDOutsideOperation(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected placeholder outside an operation, got %q", got)
	}
	if got := CurrentOp(context.Background()); got != (Op{}) {
		t.Fatalf("expected zero op, got %+v", got)
	}
}

func TestWithBranchPreservesTraceID(t *testing.T) {
	ctx, op := BeginOp(context.Background(), "ingest")
	branchCtx := WithBranch(ctx, "70000001057699052")

	narrowed := CurrentOp(branchCtx)
	if narrowed.TraceID != op.TraceID {
		t.Fatal("narrowing to a branch must keep the parent trace id")
	}
	if narrowed.BranchID != "70000001057699052" {
		t.Fatalf("branch = %q", narrowed.BranchID)
	}
	// The parent context is untouched.
	if CurrentOp(ctx).BranchID != "" {
		t.Fatal("parent context must not gain the branch")
	}
}

func TestBeginOpUniquePerOperation(t *testing.T) {
	_, a := BeginOp(context.Background(), "http")
	_, b := BeginOp(context.Background(), "http")
	if a.TraceID == b.TraceID {
		t.Fatal("each operation needs its own trace id")
	}
}

func TestLogAttrs(t *testing.T) {
	op := Op{TraceID: "t-1", Kind: "sync"}
	attrs := op.LogAttrs()
	if len(attrs) != 4 || attrs[0] != "trace_id" || attrs[1] != "t-1" || attrs[2] != "op" || attrs[3] != "sync" {
		t.Fatalf("attrs = %v", attrs)
	}

	op.BranchID = "b1"
	attrs = op.LogAttrs()
	if len(attrs) != 6 || attrs[4] != "branch_id" || attrs[5] != "b1" {
		t.Fatalf("attrs with branch = %v", attrs)
	}
}
