// Package source describes the external locations a session can be synced to
// and watched for out-of-band modification.
package source

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type identifies the kind of external location.
type Type int

const (
	LocalFile Type = iota
	SharePoint
	OneDrive
	S3
	// ObjectStore is an R2 (or other S3-compatible) bucket addressed as r2://.
	ObjectStore
)

var typeNames = map[Type]string{
	LocalFile:   "local_file",
	SharePoint:  "share_point",
	OneDrive:    "one_drive",
	S3:          "s3",
	ObjectStore: "r2",
}

// String returns the wire name of t.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("source_type(%d)", int(t))
}

// ParseType resolves a wire name. object_store is accepted for r2.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "object_store" {
		return ObjectStore, nil
	}
	for t, candidate := range typeNames {
		if candidate == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown source type %q", name)
}

// MarshalJSON encodes t by name.
func (t Type) MarshalJSON() ([]byte, error) {
	if _, ok := typeNames[t]; !ok {
		return nil, fmt.Errorf("invalid source type %d", int(t))
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a wire name.
func (t *Type) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Descriptor points at one external source.
type Descriptor struct {
	Type     Type              `json:"type"`
	URI      string            `json:"uri"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ObjectLocation is a parsed s3:// or r2:// URI.
type ObjectLocation struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseObjectURI splits s3://bucket/key or r2://bucket/key. An empty bucket
// (s3:///key) is replaced by defaultBucket; an empty key is rejected.
func ParseObjectURI(uri, defaultBucket string) (ObjectLocation, error) {
	var loc ObjectLocation
	rest, ok := strings.CutPrefix(uri, "r2://")
	if ok {
		loc.Scheme = "r2"
	} else if rest, ok = strings.CutPrefix(uri, "s3://"); ok {
		loc.Scheme = "s3"
	} else {
		return loc, fmt.Errorf("invalid object uri %q: expected r2://bucket/key or s3://bucket/key", uri)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if key == "" {
		return loc, fmt.Errorf("invalid object uri %q: missing key", uri)
	}
	if bucket == "" {
		bucket = defaultBucket
	}
	if bucket == "" {
		return loc, fmt.Errorf("invalid object uri %q: missing bucket and no default configured", uri)
	}
	loc.Bucket = bucket
	loc.Key = key
	return loc, nil
}

// TypeForObjectURI infers the object source type from a registered URI.
func TypeForObjectURI(uri string) Type {
	if strings.HasPrefix(uri, "r2://") {
		return ObjectStore
	}
	return S3
}
