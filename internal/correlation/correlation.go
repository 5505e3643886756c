package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
	"google.golang.org/grpc/metadata"
)

// MetadataKey is the gRPC metadata header carrying the correlation id.
const MetadataKey = "x-correlation-id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromIncoming extracts the caller's correlation id from gRPC metadata,
// generating one when absent or invalid, and stores it on ctx.
func FromIncoming(ctx context.Context) (context.Context, string) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, value := range md.Get(MetadataKey) {
			if normalized, ok := Normalize(value); ok {
				return With(ctx, normalized), normalized
			}
		}
	}
	id := Generate()
	return With(ctx, id), id
}

// AppendOutgoing propagates the correlation id on ctx to outgoing gRPC calls.
func AppendOutgoing(ctx context.Context) context.Context {
	if id := ID(ctx); id != "" {
		return metadata.AppendToOutgoingContext(ctx, MetadataKey, id)
	}
	return ctx
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new random correlation identifier.
func Generate() string {
	return xid.New().String()
}
