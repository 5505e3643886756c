package kv

import (
	"fmt"

	"pkt.systems/docstore/internal/storage"
)

func errNotFound(key string) error {
	return fmt.Errorf("kv: key %q: %w", key, storage.ErrNotFound)
}
