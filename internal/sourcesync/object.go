package sourcesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"pkt.systems/docstore/internal/source"
	"pkt.systems/docstore/internal/storage"
)

// Object writes snapshots to s3:// and r2:// sources through an ObjectStore.
type Object struct {
	store         storage.ObjectStore
	defaultBucket string
}

// NewObject returns an object target. An empty defaultBucket falls back to the
// store's own bucket.
func NewObject(store storage.ObjectStore, defaultBucket string) (*Object, error) {
	if store == nil {
		return nil, errors.New("sourcesync: object store required")
	}
	if defaultBucket == "" {
		defaultBucket = store.DefaultBucket()
	}
	return &Object{store: store, defaultBucket: defaultBucket}, nil
}

// Name implements Target.
func (o *Object) Name() string { return "object:" + o.store.Name() }

// Validate implements Target.
func (o *Object) Validate(desc source.Descriptor) error {
	if desc.Type != source.S3 && desc.Type != source.ObjectStore {
		return fmt.Errorf("object sync only supports s3 and r2 sources, got %s", desc.Type)
	}
	_, err := source.ParseObjectURI(desc.URI, o.defaultBucket)
	return err
}

// TypeFor implements Target.
func (o *Object) TypeFor(uri string) source.Type { return source.TypeForObjectURI(uri) }

// Write puts data at the object addressed by uri.
func (o *Object) Write(ctx context.Context, uri string, data []byte) error {
	loc, err := source.ParseObjectURI(uri, o.defaultBucket)
	if err != nil {
		return err
	}
	_, err = o.store.PutObject(ctx, loc.Bucket, loc.Key, bytes.NewReader(data), storage.PutObjectOptions{
		ContentType: storage.ContentTypeDocx,
		Size:        int64(len(data)),
	})
	return err
}
