package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/uuidv7"
)

// DefaultBucketName is used when New is called without a bucket.
const DefaultBucketName = "docstore"

// Config configures the in-memory store behaviour.
type Config struct {
	Bucket string
	Now    func() time.Time
}

// Store implements storage.ObjectStore in-memory; intended for tests and local dev.
// ETags are MD5 hex digests of the payload, matching single-part S3 uploads.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	bucket  string
	now     func() time.Time
}

type bucket struct {
	objs       map[string]*objectEntry
	sortedKeys []string
}

type objectEntry struct {
	payload     []byte
	etag        string
	versionID   string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucketName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		buckets: make(map[string]*bucket),
		bucket:  cfg.Bucket,
		now:     cfg.Now,
	}
}

// DefaultBucket implements storage.ObjectStore.
func (s *Store) DefaultBucket() string { return s.bucket }

// Name implements storage.ObjectStore.
func (s *Store) Name() string { return "memory" }

// Close satisfies storage.ObjectStore but requires no action for the in-memory store.
func (s *Store) Close() error { return nil }

func (s *Store) bucketLocked(name string, create bool) *bucket {
	if name == "" {
		name = s.bucket
	}
	b, ok := s.buckets[name]
	if !ok && create {
		b = &bucket{objs: make(map[string]*objectEntry)}
		s.buckets[name] = b
	}
	return b
}

func (e *objectEntry) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		VersionID:    e.versionID,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}

// GetObject implements storage.ObjectStore.
func (s *Store) GetObject(_ context.Context, bucketName, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bucketLocked(bucketName, false)
	if b == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	entry, ok := b.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   entry.info(key),
	}, nil
}

// HeadObject implements storage.ObjectStore.
func (s *Store) HeadObject(_ context.Context, bucketName, key string) (*storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bucketLocked(bucketName, false)
	if b == nil {
		return nil, storage.ErrNotFound
	}
	entry, ok := b.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return entry.info(key), nil
}

// PutObject implements storage.ObjectStore.
func (s *Store) PutObject(_ context.Context, bucketName, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(payload)
	entry := &objectEntry{
		payload:     payload,
		etag:        hex.EncodeToString(sum[:]),
		versionID:   uuidv7.NewString(),
		contentType: opts.ContentType,
		updated:     s.now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(bucketName, true)
	if _, exists := b.objs[key]; !exists {
		b.insertKeyLocked(key)
	}
	b.objs[key] = entry
	return entry.info(key), nil
}

// DeleteObject implements storage.ObjectStore.
func (s *Store) DeleteObject(_ context.Context, bucketName, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(bucketName, false)
	var exists bool
	if b != nil {
		_, exists = b.objs[key]
	}
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	delete(b.objs, key)
	b.removeKeyLocked(key)
	return nil
}

// ListObjects implements storage.ObjectStore. The continuation token is the
// last key of the previous page.
func (s *Store) ListObjects(_ context.Context, bucketName string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := &storage.ListResult{Objects: []storage.ObjectInfo{}}
	b := s.bucketLocked(bucketName, false)
	if b == nil {
		return result, nil
	}
	keys := b.sortedKeys
	startIdx := 0
	if opts.ContinuationToken != "" {
		startIdx = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.ContinuationToken })
	} else if opts.Prefix != "" {
		startIdx = sort.SearchStrings(keys, opts.Prefix)
	}
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			if key > opts.Prefix {
				break
			}
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextToken = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, *b.objs[key].info(key))
	}
	return result, nil
}

func (b *bucket) insertKeyLocked(key string) {
	idx := sort.SearchStrings(b.sortedKeys, key)
	b.sortedKeys = append(b.sortedKeys, "")
	copy(b.sortedKeys[idx+1:], b.sortedKeys[idx:])
	b.sortedKeys[idx] = key
}

func (b *bucket) removeKeyLocked(key string) {
	idx := sort.SearchStrings(b.sortedKeys, key)
	if idx < len(b.sortedKeys) && b.sortedKeys[idx] == key {
		b.sortedKeys = append(b.sortedKeys[:idx], b.sortedKeys[idx+1:]...)
	}
}
