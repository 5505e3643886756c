package watch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/source"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/pslog"
)

// NotifyConfig wires a Notify backend.
type NotifyConfig struct {
	Clock  clock.Clock
	Logger pslog.Logger
}

type fileWatch struct {
	key   watchKey
	desc  source.Descriptor
	path  string
	known *Metadata
	mode  fs.FileMode
}

// Notify watches local_file sources with one shared fsnotify watcher. Each
// parent directory is added once and reference counted.
type Notify struct {
	watcher *fsnotify.Watcher
	clock   clock.Clock
	logger  pslog.Logger

	mu      sync.Mutex
	watches map[watchKey]*fileWatch
	byPath  map[string]map[watchKey]struct{}
	dirs    map[string]int
	pending map[watchKey]*ChangeEvent

	done      chan struct{}
	closeOnce sync.Once
}

// NewNotify starts the shared watcher.
func NewNotify(cfg NotifyConfig) (*Notify, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, storage.Wrap(storage.KindWatch, "watch.notify", fmt.Errorf("create watcher: %w", err))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	n := &Notify{
		watcher: watcher,
		clock:   cfg.Clock,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "watch", "notify"),
		watches: make(map[watchKey]*fileWatch),
		byPath:  make(map[string]map[watchKey]struct{}),
		dirs:    make(map[string]int),
		pending: make(map[watchKey]*ChangeEvent),
		done:    make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// Name implements Backend.
func (n *Notify) Name() string { return "notify" }

// Close stops the watcher and waits for the event loop to exit.
func (n *Notify) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.watcher.Close()
		<-n.done
	})
	return err
}

func validateKey(tenant, sessionID string) (watchKey, error) {
	if err := storage.ValidateTenant(tenant); err != nil {
		return watchKey{}, err
	}
	if err := storage.ValidateSessionID(sessionID); err != nil {
		return watchKey{}, err
	}
	return watchKey{tenant: tenant, session: sessionID}, nil
}

// StartWatch snapshots the file and subscribes to its directory. The watch
// id is "{tenant}:{session}".
func (n *Notify) StartWatch(ctx context.Context, tenant, sessionID string, desc source.Descriptor, _ time.Duration) (string, error) {
	key, err := validateKey(tenant, sessionID)
	if err != nil {
		return "", err
	}
	if desc.Type != source.LocalFile {
		return "", storage.Errorf(storage.KindInvalidArgument, "watch.start", "notify watch only supports local_file sources, got %s", desc.Type)
	}
	if desc.URI == "" {
		return "", storage.Errorf(storage.KindInvalidArgument, "watch.start", "local file source requires a path")
	}
	path, err := filepath.Abs(filepath.Clean(desc.URI))
	if err != nil {
		return "", storage.Wrap(storage.KindInvalidArgument, "watch.start", err)
	}
	known, mode, err := fileMetadata(path)
	if err != nil {
		return "", storage.Wrap(storage.KindWatch, "watch.start", err)
	}
	_ = n.StopWatch(ctx, tenant, sessionID)

	dir := filepath.Dir(path)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dirs[dir] == 0 {
		if err := n.watcher.Add(dir); err != nil {
			return "", storage.Wrap(storage.KindWatch, "watch.start", fmt.Errorf("watch %s: %w", dir, err))
		}
	}
	n.dirs[dir]++
	n.watches[key] = &fileWatch{key: key, desc: desc, path: path, known: known, mode: mode}
	if n.byPath[path] == nil {
		n.byPath[path] = make(map[watchKey]struct{})
	}
	n.byPath[path][key] = struct{}{}
	n.logger.Info("watch.notify.start", "tenant", tenant, "session_id", sessionID, "path", path)
	return key.id(), nil
}

// StopWatch removes the watch and any pending event. Unknown watches are a
// no-op.
func (n *Notify) StopWatch(_ context.Context, tenant, sessionID string) error {
	key := watchKey{tenant: tenant, session: sessionID}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.pending, key)
	w, ok := n.watches[key]
	if !ok {
		return nil
	}
	delete(n.watches, key)
	if keys := n.byPath[w.path]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(n.byPath, w.path)
		}
	}
	dir := filepath.Dir(w.path)
	n.dirs[dir]--
	if n.dirs[dir] <= 0 {
		delete(n.dirs, dir)
		if err := n.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			n.logger.Debug("watch.notify.remove_dir.error", "dir", dir, "error", err)
		}
	}
	n.logger.Info("watch.notify.stop", "tenant", tenant, "session_id", sessionID, "path", w.path)
	return nil
}

// CheckForChanges consumes a pending event or compares the file's current
// content hash against the known snapshot.
func (n *Notify) CheckForChanges(_ context.Context, tenant, sessionID string) (*ChangeEvent, error) {
	key := watchKey{tenant: tenant, session: sessionID}
	n.mu.Lock()
	if event, ok := n.pending[key]; ok {
		delete(n.pending, key)
		n.mu.Unlock()
		return event, nil
	}
	w, ok := n.watches[key]
	if !ok {
		n.mu.Unlock()
		return nil, nil
	}
	path, known := w.path, cloneMetadata(w.known)
	n.mu.Unlock()

	current, _, err := fileMetadata(path)
	if err != nil {
		return nil, storage.Wrap(storage.KindWatch, "watch.check", err)
	}
	event := compare(sessionID, known, current, n.clock.Now())
	if event != nil {
		n.logger.Debug("watch.notify.detected", "tenant", tenant, "session_id", sessionID, "change", event.ChangeType.String())
	}
	return event, nil
}

// GetSourceMetadata returns the file's current metadata, nil when the watch
// or the file is absent.
func (n *Notify) GetSourceMetadata(_ context.Context, tenant, sessionID string) (*Metadata, error) {
	n.mu.Lock()
	w, ok := n.watches[watchKey{tenant: tenant, session: sessionID}]
	n.mu.Unlock()
	if !ok {
		return nil, nil
	}
	md, _, err := fileMetadata(w.path)
	if err != nil {
		return nil, storage.Wrap(storage.KindWatch, "watch.metadata", err)
	}
	return md, nil
}

// GetKnownMetadata returns the last captured snapshot.
func (n *Notify) GetKnownMetadata(_ context.Context, tenant, sessionID string) (*Metadata, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.watches[watchKey{tenant: tenant, session: sessionID}]; ok {
		return cloneMetadata(w.known), nil
	}
	return nil, nil
}

// UpdateKnownMetadata advances the snapshot. A pending modification that
// matches the new snapshot is dropped.
func (n *Notify) UpdateKnownMetadata(_ context.Context, tenant, sessionID string, md Metadata) error {
	key := watchKey{tenant: tenant, session: sessionID}
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.watches[key]
	if !ok {
		return nil
	}
	w.known = cloneMetadata(&md)
	if event, ok := n.pending[key]; ok && event.ChangeType == Modified && !Changed(w.known, event.NewMetadata) {
		delete(n.pending, key)
	}
	n.logger.Debug("watch.notify.known_updated", "tenant", tenant, "session_id", sessionID)
	return nil
}

func (n *Notify) run() {
	defer close(n.done)
	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.handle(event)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Warn("watch.notify.error", "error", err)
		}
	}
}

func (n *Notify) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	n.mu.Lock()
	keys := n.byPath[path]
	targets := make([]fileWatch, 0, len(keys))
	for key := range keys {
		if w, ok := n.watches[key]; ok {
			targets = append(targets, fileWatch{key: w.key, path: w.path, known: cloneMetadata(w.known), mode: w.mode})
		}
	}
	n.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	current, mode, err := fileMetadata(path)
	if err != nil {
		n.logger.Warn("watch.notify.metadata.error", "path", path, "error", err)
		return
	}
	now := n.clock.Now()
	for _, target := range targets {
		change := classify(event, target, current, mode, now)
		if change == nil {
			continue
		}
		if !n.record(target.key, change, mode) {
			continue
		}
		n.logger.Debug("watch.notify.detected",
			"tenant", target.key.tenant,
			"session_id", target.key.session,
			"change", change.ChangeType.String(),
			"op", event.Op.String(),
		)
	}
}

// record stores change as pending for key. The snapshot may have advanced
// since the event was classified, so a modification that now matches the
// known metadata is dropped.
func (n *Notify) record(key watchKey, change *ChangeEvent, mode fs.FileMode) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.watches[key]
	if !ok {
		return false
	}
	if change.ChangeType == Modified && w.known != nil && !Changed(w.known, change.NewMetadata) {
		return false
	}
	if change.ChangeType == PermissionChanged {
		w.mode = mode
	}
	n.pending[key] = change
	return true
}

func classify(event fsnotify.Event, w fileWatch, current *Metadata, mode fs.FileMode, now time.Time) *ChangeEvent {
	switch {
	case event.Has(fsnotify.Remove):
		if current != nil {
			return compare(w.key.session, w.known, current, now)
		}
		return &ChangeEvent{SessionID: w.key.session, ChangeType: Deleted, OldMetadata: w.known, DetectedAt: now.Unix()}
	case event.Has(fsnotify.Rename):
		if current != nil {
			return compare(w.key.session, w.known, current, now)
		}
		if moved, md := findMoved(w.path, w.known); moved != "" {
			return &ChangeEvent{SessionID: w.key.session, ChangeType: Renamed, OldMetadata: w.known, NewMetadata: md, DetectedAt: now.Unix(), NewURI: moved}
		}
		return &ChangeEvent{SessionID: w.key.session, ChangeType: Deleted, OldMetadata: w.known, DetectedAt: now.Unix()}
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if current == nil {
			return nil
		}
		if w.known == nil || Changed(w.known, current) {
			return &ChangeEvent{SessionID: w.key.session, ChangeType: Modified, OldMetadata: w.known, NewMetadata: current, DetectedAt: now.Unix()}
		}
	case event.Has(fsnotify.Chmod):
		if current != nil && mode != w.mode {
			return &ChangeEvent{SessionID: w.key.session, ChangeType: PermissionChanged, OldMetadata: w.known, NewMetadata: current, DetectedAt: now.Unix()}
		}
	}
	return nil
}

// findMoved looks for a sibling of path whose content matches known.
func findMoved(path string, known *Metadata) (string, *Metadata) {
	if known == nil || len(known.ContentHash) == 0 {
		return "", nil
	}
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		candidate := filepath.Join(dir, entry.Name())
		if candidate == path {
			continue
		}
		info, err := entry.Info()
		if err != nil || uint64(info.Size()) != known.SizeBytes {
			continue
		}
		md, _, err := fileMetadata(candidate)
		if err != nil || md == nil || Changed(known, md) {
			continue
		}
		return candidate, md
	}
	return "", nil
}

// fileMetadata returns nil metadata for a missing file.
func fileMetadata(path string) (*Metadata, fs.FileMode, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return &Metadata{
		SizeBytes:   uint64(info.Size()),
		ModifiedAt:  info.ModTime().Unix(),
		ContentHash: hasher.Sum(nil),
	}, info.Mode().Perm(), nil
}
