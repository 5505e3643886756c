package watch

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/source"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/uuidv7"
	"pkt.systems/pslog"
)

// PollingConfig wires a Polling backend.
type PollingConfig struct {
	Objects storage.ObjectStore
	// DefaultBucket replaces an empty bucket in s3:///key URIs. Defaults to
	// the object store's bucket.
	DefaultBucket string
	// DefaultInterval applies when StartWatch is given no interval.
	DefaultInterval time.Duration
	Clock           clock.Clock
	Logger          pslog.Logger
}

type objectWatch struct {
	id       string
	desc     source.Descriptor
	loc      source.ObjectLocation
	interval time.Duration
	known    *Metadata
	cancel   context.CancelFunc
}

// Polling watches s3 and r2 sources by comparing HEAD metadata. Each watch
// runs a background poller that records detected changes for
// CheckForChanges.
type Polling struct {
	objects         storage.ObjectStore
	defaultBucket   string
	defaultInterval time.Duration
	clock           clock.Clock
	logger          pslog.Logger

	mu      sync.Mutex
	watches map[watchKey]*objectWatch
	pending map[watchKey]*ChangeEvent
	wg      sync.WaitGroup
}

// NewPolling constructs a polling backend.
func NewPolling(cfg PollingConfig) (*Polling, error) {
	if cfg.Objects == nil {
		return nil, errors.New("watch: object store required")
	}
	if cfg.DefaultBucket == "" {
		cfg.DefaultBucket = cfg.Objects.DefaultBucket()
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Polling{
		objects:         cfg.Objects,
		defaultBucket:   cfg.DefaultBucket,
		defaultInterval: cfg.DefaultInterval,
		clock:           cfg.Clock,
		logger:          loggingutil.WithSubsystem(cfg.Logger, "watch", "polling"),
		watches:         make(map[watchKey]*objectWatch),
		pending:         make(map[watchKey]*ChangeEvent),
	}, nil
}

// Name implements Backend.
func (p *Polling) Name() string { return "polling:" + p.objects.Name() }

// Close stops every poller.
func (p *Polling) Close() error {
	p.mu.Lock()
	for key, w := range p.watches {
		w.cancel()
		delete(p.watches, key)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

// StartWatch captures the object's metadata and starts its poller.
func (p *Polling) StartWatch(ctx context.Context, tenant, sessionID string, desc source.Descriptor, pollInterval time.Duration) (string, error) {
	key, err := validateKey(tenant, sessionID)
	if err != nil {
		return "", err
	}
	if desc.Type != source.S3 && desc.Type != source.ObjectStore {
		return "", storage.Errorf(storage.KindInvalidArgument, "watch.start", "polling watch only supports s3 and r2 sources, got %s", desc.Type)
	}
	loc, err := source.ParseObjectURI(desc.URI, p.defaultBucket)
	if err != nil {
		return "", storage.Wrap(storage.KindInvalidArgument, "watch.start", err)
	}
	known, err := p.head(ctx, loc)
	if err != nil {
		return "", err
	}
	if pollInterval <= 0 {
		pollInterval = p.defaultInterval
	}
	_ = p.StopWatch(ctx, tenant, sessionID)

	pollCtx, cancel := context.WithCancel(context.Background())
	w := &objectWatch{
		id:       uuidv7.NewString(),
		desc:     desc,
		loc:      loc,
		interval: pollInterval,
		known:    known,
		cancel:   cancel,
	}
	p.mu.Lock()
	p.watches[key] = w
	p.mu.Unlock()
	p.wg.Add(1)
	go p.poll(pollCtx, key, w)
	p.logger.Info("watch.polling.start", "tenant", tenant, "session_id", sessionID, "uri", desc.URI, "interval", pollInterval, "watch_id", w.id)
	return w.id, nil
}

// StopWatch cancels the poller and drops any pending event.
func (p *Polling) StopWatch(_ context.Context, tenant, sessionID string) error {
	key := watchKey{tenant: tenant, session: sessionID}
	p.mu.Lock()
	w, ok := p.watches[key]
	delete(p.watches, key)
	delete(p.pending, key)
	p.mu.Unlock()
	if ok {
		w.cancel()
		p.logger.Info("watch.polling.stop", "tenant", tenant, "session_id", sessionID, "uri", w.desc.URI)
	}
	return nil
}

// CheckForChanges consumes a pending event or compares against a fresh HEAD.
func (p *Polling) CheckForChanges(ctx context.Context, tenant, sessionID string) (*ChangeEvent, error) {
	key := watchKey{tenant: tenant, session: sessionID}
	p.mu.Lock()
	if event, ok := p.pending[key]; ok {
		delete(p.pending, key)
		p.mu.Unlock()
		return event, nil
	}
	w, ok := p.watches[key]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return p.detect(ctx, key, w)
}

// GetSourceMetadata returns the object's current metadata, nil when the
// watch or the object is absent.
func (p *Polling) GetSourceMetadata(ctx context.Context, tenant, sessionID string) (*Metadata, error) {
	p.mu.Lock()
	w, ok := p.watches[watchKey{tenant: tenant, session: sessionID}]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return p.head(ctx, w.loc)
}

// GetKnownMetadata returns the last captured snapshot.
func (p *Polling) GetKnownMetadata(_ context.Context, tenant, sessionID string) (*Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.watches[watchKey{tenant: tenant, session: sessionID}]; ok {
		return cloneMetadata(w.known), nil
	}
	return nil, nil
}

// UpdateKnownMetadata advances the snapshot. A pending modification that
// matches the new snapshot is dropped.
func (p *Polling) UpdateKnownMetadata(_ context.Context, tenant, sessionID string, md Metadata) error {
	key := watchKey{tenant: tenant, session: sessionID}
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watches[key]
	if !ok {
		return nil
	}
	w.known = cloneMetadata(&md)
	if event, ok := p.pending[key]; ok && event.ChangeType == Modified && !Changed(w.known, event.NewMetadata) {
		delete(p.pending, key)
	}
	return nil
}

func (p *Polling) poll(ctx context.Context, key watchKey, w *objectWatch) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(w.interval):
		}
		if ctx.Err() != nil {
			return
		}
		event, err := p.detect(ctx, key, w)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("watch.polling.error", "tenant", key.tenant, "session_id", key.session, "error", err)
			}
			continue
		}
		if event == nil {
			continue
		}
		p.mu.Lock()
		if p.watches[key] == w {
			p.pending[key] = event
		}
		p.mu.Unlock()
		p.logger.Debug("watch.polling.detected", "tenant", key.tenant, "session_id", key.session, "change", event.ChangeType.String())
	}
}

func (p *Polling) detect(ctx context.Context, key watchKey, w *objectWatch) (*ChangeEvent, error) {
	current, err := p.head(ctx, w.loc)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	known := cloneMetadata(w.known)
	p.mu.Unlock()
	return compare(key.session, known, current, p.clock.Now()), nil
}

// head returns nil metadata for a missing object.
func (p *Polling) head(ctx context.Context, loc source.ObjectLocation) (*Metadata, error) {
	info, err := p.objects.HeadObject(ctx, loc.Bucket, loc.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap(storage.KindWatch, "watch.head", err)
	}
	return objectMetadata(info), nil
}

// objectMetadata treats a hex ETag (single part uploads) as the content hash.
func objectMetadata(info *storage.ObjectInfo) *Metadata {
	md := &Metadata{
		ETag:      info.ETag,
		VersionID: info.VersionID,
	}
	if info.Size > 0 {
		md.SizeBytes = uint64(info.Size)
	}
	if !info.LastModified.IsZero() {
		md.ModifiedAt = info.LastModified.Unix()
	}
	if hash, err := hex.DecodeString(strings.Trim(info.ETag, `"`)); err == nil && len(hash) > 0 {
		md.ContentHash = hash
	}
	return md
}
