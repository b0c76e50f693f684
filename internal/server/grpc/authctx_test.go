package grpcserver

import (
	"context"
	"testing"
)

func TestWithIdentity_And_IdentityFromCtx(t *testing.T) {
	t.Parallel()

	if _, ok := IdentityFromCtx(context.Background()); ok {
		t.Fatalf("expected no identity in empty ctx")
	}

	want := Identity{Username: "alice", UserID: "42"}
	got, ok := IdentityFromCtx(WithIdentity(context.Background(), want))
	if !ok || got != want {
		t.Fatalf("mismatch: got %+v ok=%v, want %+v", got, ok, want)
	}
	if got.Anonymous() {
		t.Fatalf("named identity reported anonymous")
	}

	anon, ok := IdentityFromCtx(WithIdentity(context.Background(), Identity{}))
	if !ok || !anon.Anonymous() {
		t.Fatalf("expected anonymous identity, got %+v ok=%v", anon, ok)
	}

	bad := context.WithValue(context.Background(), identityKey, "alice")
	if _, ok := IdentityFromCtx(bad); ok {
		t.Fatalf("expected miss on wrong typed value")
	}
}
