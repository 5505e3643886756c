// Package watch detects out-of-band modification of registered external
// sources. Notify watches local files through fsnotify; Polling compares
// object store metadata on an interval.
package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/docstore/internal/source"
)

// DefaultPollInterval applies when StartWatch is given no interval.
const DefaultPollInterval = 30 * time.Second

// ChangeType classifies a detected external change.
type ChangeType int

const (
	Modified ChangeType = iota
	Deleted
	Renamed
	PermissionChanged
)

var changeTypeNames = [...]string{"modified", "deleted", "renamed", "permission_changed"}

func (c ChangeType) String() string {
	if c >= 0 && int(c) < len(changeTypeNames) {
		return changeTypeNames[c]
	}
	return fmt.Sprintf("change_type(%d)", int(c))
}

// MarshalJSON encodes c by name.
func (c ChangeType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a change type name.
func (c *ChangeType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, candidate := range changeTypeNames {
		if candidate == name {
			*c = ChangeType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown change type %q", name)
}

// Metadata is a comparable snapshot of an external source.
type Metadata struct {
	SizeBytes   uint64 `json:"size_bytes"`
	ModifiedAt  int64  `json:"modified_at"`
	ETag        string `json:"etag,omitempty"`
	VersionID   string `json:"version_id,omitempty"`
	ContentHash []byte `json:"content_hash,omitempty"`
}

// ChangeEvent reports one detected change.
type ChangeEvent struct {
	SessionID   string     `json:"session_id"`
	ChangeType  ChangeType `json:"change_type"`
	OldMetadata *Metadata  `json:"old_metadata,omitempty"`
	NewMetadata *Metadata  `json:"new_metadata,omitempty"`
	DetectedAt  int64      `json:"detected_at"`
	NewURI      string     `json:"new_uri,omitempty"`
}

// Backend is the capability consumed by the service layer.
type Backend interface {
	StartWatch(ctx context.Context, tenant, sessionID string, desc source.Descriptor, pollInterval time.Duration) (string, error)
	StopWatch(ctx context.Context, tenant, sessionID string) error
	CheckForChanges(ctx context.Context, tenant, sessionID string) (*ChangeEvent, error)
	GetSourceMetadata(ctx context.Context, tenant, sessionID string) (*Metadata, error)
	GetKnownMetadata(ctx context.Context, tenant, sessionID string) (*Metadata, error)
	UpdateKnownMetadata(ctx context.Context, tenant, sessionID string, md Metadata) error
	Name() string
	Close() error
}

// Changed compares two snapshots, most authoritative signal first: content
// hash, version id, ETag, then size and modification time.
func Changed(old, current *Metadata) bool {
	switch {
	case old == nil && current == nil:
		return false
	case old == nil || current == nil:
		return true
	case len(old.ContentHash) > 0 && len(current.ContentHash) > 0:
		return !bytes.Equal(old.ContentHash, current.ContentHash)
	case old.VersionID != "" && current.VersionID != "":
		return old.VersionID != current.VersionID
	case old.ETag != "" && current.ETag != "":
		return old.ETag != current.ETag
	}
	return old.SizeBytes != current.SizeBytes || old.ModifiedAt != current.ModifiedAt
}

// compare builds the event for a transition from known to current, or nil
// when nothing changed. A source that vanished without prior metadata is not
// a change.
func compare(sessionID string, known, current *Metadata, now time.Time) *ChangeEvent {
	switch {
	case current == nil && known == nil:
		return nil
	case current == nil:
		return &ChangeEvent{SessionID: sessionID, ChangeType: Deleted, OldMetadata: known, DetectedAt: now.Unix()}
	case known == nil:
		return nil
	case !Changed(known, current):
		return nil
	}
	return &ChangeEvent{SessionID: sessionID, ChangeType: Modified, OldMetadata: known, NewMetadata: current, DetectedAt: now.Unix()}
}

type watchKey struct {
	tenant  string
	session string
}

func (k watchKey) id() string { return k.tenant + ":" + k.session }

func cloneMetadata(md *Metadata) *Metadata {
	if md == nil {
		return nil
	}
	out := *md
	if md.ContentHash != nil {
		out.ContentHash = bytes.Clone(md.ContentHash)
	}
	return &out
}
