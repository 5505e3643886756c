package sourcesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/docstore/internal/source"
)

// LocalFile writes snapshots to local_file sources.
type LocalFile struct{}

// Name implements Target.
func (LocalFile) Name() string { return "local_file" }

// Validate implements Target.
func (LocalFile) Validate(desc source.Descriptor) error {
	if desc.Type != source.LocalFile {
		return fmt.Errorf("local file sync only supports local_file sources, got %s", desc.Type)
	}
	if desc.URI == "" {
		return fmt.Errorf("local file source requires a path")
	}
	return nil
}

// TypeFor implements Target.
func (LocalFile) TypeFor(string) source.Type { return source.LocalFile }

// Write creates parent directories, writes {path}.sync.tmp and renames it
// over path.
func (LocalFile) Write(ctx context.Context, uri string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Clean(uri)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", path, err)
	}
	tmp := path + ".sync.tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
