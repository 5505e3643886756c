package storage

import (
	"encoding/json"
	"slices"
	"time"
)

// IndexVersion is the schema version written into new index documents.
const IndexVersion uint32 = 1

// SessionIndex is the per-tenant document listing every known session.
type SessionIndex struct {
	Version  uint32              `json:"version"`
	Sessions []SessionIndexEntry `json:"sessions"`
}

// SessionIndexEntry records persisted metadata for one session.
type SessionIndexEntry struct {
	ID                  string    `json:"id"`
	SourcePath          *string   `json:"source_path"`
	AutoSync            bool      `json:"auto_sync"`
	CreatedAt           time.Time `json:"created_at"`
	LastModifiedAt      time.Time `json:"last_modified_at"`
	DocxFile            string    `json:"docx_file,omitempty"`
	WALCount            uint64    `json:"wal_count"`
	CursorPosition      uint64    `json:"cursor_position"`
	CheckpointPositions []uint64  `json:"checkpoint_positions"`
}

// NewSessionIndex returns an empty index at the current schema version.
func NewSessionIndex() *SessionIndex {
	return &SessionIndex{Version: IndexVersion, Sessions: []SessionIndexEntry{}}
}

// ParseSessionIndex decodes an index document.
func ParseSessionIndex(data []byte) (*SessionIndex, error) {
	var idx SessionIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, Wrap(KindSerialization, "parse index", err)
	}
	return &idx, nil
}

// UnmarshalJSON applies the version default and tolerates a missing sessions list.
func (i *SessionIndex) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version  *uint32             `json:"version"`
		Sessions []SessionIndexEntry `json:"sessions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.Version = IndexVersion
	if raw.Version != nil {
		i.Version = *raw.Version
	}
	i.Sessions = raw.Sessions
	if i.Sessions == nil {
		i.Sessions = []SessionIndexEntry{}
	}
	return nil
}

// UnmarshalJSON accepts the modified_at and wal_position spellings written by
// older producers and defaults auto_sync to true.
func (e *SessionIndexEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                  string     `json:"id"`
		SourcePath          *string    `json:"source_path"`
		AutoSync            *bool      `json:"auto_sync"`
		CreatedAt           time.Time  `json:"created_at"`
		LastModifiedAt      *time.Time `json:"last_modified_at"`
		ModifiedAt          *time.Time `json:"modified_at"`
		DocxFile            string     `json:"docx_file"`
		WALCount            *uint64    `json:"wal_count"`
		WALPosition         *uint64    `json:"wal_position"`
		CursorPosition      uint64     `json:"cursor_position"`
		CheckpointPositions []uint64   `json:"checkpoint_positions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = SessionIndexEntry{
		ID:                  raw.ID,
		SourcePath:          raw.SourcePath,
		AutoSync:            true,
		CreatedAt:           raw.CreatedAt,
		DocxFile:            raw.DocxFile,
		CursorPosition:      raw.CursorPosition,
		CheckpointPositions: raw.CheckpointPositions,
	}
	if raw.AutoSync != nil {
		e.AutoSync = *raw.AutoSync
	}
	switch {
	case raw.LastModifiedAt != nil:
		e.LastModifiedAt = *raw.LastModifiedAt
	case raw.ModifiedAt != nil:
		e.LastModifiedAt = *raw.ModifiedAt
	}
	switch {
	case raw.WALCount != nil:
		e.WALCount = *raw.WALCount
	case raw.WALPosition != nil:
		e.WALCount = *raw.WALPosition
	}
	if e.CheckpointPositions == nil {
		e.CheckpointPositions = []uint64{}
	}
	slices.Sort(e.CheckpointPositions)
	e.CheckpointPositions = slices.Compact(e.CheckpointPositions)
	return nil
}

// Get returns a pointer to the entry for id, or nil.
func (i *SessionIndex) Get(id string) *SessionIndexEntry {
	for idx := range i.Sessions {
		if i.Sessions[idx].ID == id {
			return &i.Sessions[idx]
		}
	}
	return nil
}

// Contains reports whether id has an entry.
func (i *SessionIndex) Contains(id string) bool {
	return i.Get(id) != nil
}

// Upsert replaces the entry with the same id or appends a new one.
func (i *SessionIndex) Upsert(entry SessionIndexEntry) {
	if existing := i.Get(entry.ID); existing != nil {
		*existing = entry
		return
	}
	i.Sessions = append(i.Sessions, entry)
}

// Remove deletes the entry for id and returns it.
func (i *SessionIndex) Remove(id string) (SessionIndexEntry, bool) {
	for idx := range i.Sessions {
		if i.Sessions[idx].ID == id {
			removed := i.Sessions[idx]
			i.Sessions = append(i.Sessions[:idx], i.Sessions[idx+1:]...)
			return removed, true
		}
	}
	return SessionIndexEntry{}, false
}

// AddCheckpoints merges positions into the entry keeping them sorted and unique.
func (e *SessionIndexEntry) AddCheckpoints(positions ...uint64) {
	for _, pos := range positions {
		if !slices.Contains(e.CheckpointPositions, pos) {
			e.CheckpointPositions = append(e.CheckpointPositions, pos)
		}
	}
	slices.Sort(e.CheckpointPositions)
}

// RemoveCheckpoints drops positions from the entry.
func (e *SessionIndexEntry) RemoveCheckpoints(positions ...uint64) {
	if len(positions) == 0 {
		return
	}
	e.CheckpointPositions = slices.DeleteFunc(e.CheckpointPositions, func(pos uint64) bool {
		return slices.Contains(positions, pos)
	})
}
