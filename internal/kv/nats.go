package kv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"pkt.systems/docstore/internal/storage"
)

// NATSConfig configures the JetStream key-value store.
type NATSConfig struct {
	URL       string
	Bucket    string
	CredsFile string
	// Conn reuses an existing connection instead of dialing URL.
	Conn *nats.Conn
}

// NATS stores values in a JetStream key-value bucket. Keys are encoded with
// unpadded base64url because JetStream rejects ':' in key names.
type NATS struct {
	conn   *nats.Conn
	owned  bool
	bucket jetstream.KeyValue
}

// NewNATS connects (unless cfg.Conn is set) and opens or creates the bucket.
func NewNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	bucketName := strings.TrimSpace(cfg.Bucket)
	if bucketName == "" {
		return nil, fmt.Errorf("kv: nats bucket required")
	}
	conn := cfg.Conn
	owned := false
	if conn == nil {
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("kv: nats url required")
		}
		opts := []nats.Option{nats.Name("docstore")}
		if cfg.CredsFile != "" {
			opts = append(opts, nats.UserCredentials(cfg.CredsFile))
		}
		var err error
		conn, err = nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("kv: nats connect %q: %w", cfg.URL, err)
		}
		owned = true
	}
	js, err := jetstream.New(conn)
	if err != nil {
		if owned {
			conn.Close()
		}
		return nil, fmt.Errorf("kv: jetstream: %w", err)
	}
	bucket, err := js.KeyValue(ctx, bucketName)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucketName,
			Description: "docstore indexes and locks",
			History:     1,
		})
	}
	if err != nil {
		if owned {
			conn.Close()
		}
		return nil, fmt.Errorf("kv: open bucket %q: %w", bucketName, err)
	}
	return &NATS{conn: conn, owned: owned, bucket: bucket}, nil
}

// EncodeNATSKey maps an arbitrary key onto the JetStream key alphabet.
func EncodeNATSKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func natsError(op, key string, err error) error {
	wrapped := fmt.Errorf("kv: nats %s %q: %w", op, key, err)
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrNoResponders) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

// Get implements Store.
func (n *NATS) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.bucket.Get(ctx, EncodeNATSKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errNotFound(key)
		}
		return nil, natsError("get", key, err)
	}
	return append([]byte(nil), entry.Value()...), nil
}

// Put implements Store.
func (n *NATS) Put(ctx context.Context, key string, value []byte) error {
	if _, err := n.bucket.Put(ctx, EncodeNATSKey(key), value); err != nil {
		return natsError("put", key, err)
	}
	return nil
}

// Delete implements Store.
func (n *NATS) Delete(ctx context.Context, key string) (bool, error) {
	encoded := EncodeNATSKey(key)
	if _, err := n.bucket.Get(ctx, encoded); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, natsError("get", key, err)
	}
	if err := n.bucket.Delete(ctx, encoded); err != nil {
		return false, natsError("delete", key, err)
	}
	return true, nil
}

// Name implements Store.
func (n *NATS) Name() string { return "nats" }

// Close drains the connection when this store dialed it.
func (n *NATS) Close() error {
	if n.owned && n.conn != nil {
		return n.conn.Drain()
	}
	return nil
}
