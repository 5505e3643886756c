package correlation

import (
	"context"
	"strings"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestWithAndID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if ID(With(ctx, "")) != "" {
		t.Fatal("invalid id must be ignored")
	}
	if got := ID(With(ctx, "req-1")); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
}

func TestFromIncoming(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKey, "caller-7"))
	ctx, id := FromIncoming(ctx)
	if id != "caller-7" || ID(ctx) != "caller-7" {
		t.Fatalf("expected caller id, got %q / %q", id, ID(ctx))
	}
	_, generated := FromIncoming(context.Background())
	if _, ok := Normalize(generated); !ok {
		t.Fatalf("generated id should be valid, got %q", generated)
	}
}

func TestAppendOutgoing(t *testing.T) {
	t.Parallel()

	ctx := AppendOutgoing(With(context.Background(), "abc"))
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok || len(md.Get(MetadataKey)) != 1 || md.Get(MetadataKey)[0] != "abc" {
		t.Fatalf("expected outgoing metadata, got %v", md)
	}
}
