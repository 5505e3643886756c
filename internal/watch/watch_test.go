package watch

import (
	"encoding/json"
	"testing"
	"time"
)

func TestChangedTieBreak(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		old  *Metadata
		cur  *Metadata
		want bool
	}{
		{name: "both nil", want: false},
		{name: "appeared", cur: &Metadata{SizeBytes: 1}, want: true},
		{name: "hash wins over size", old: &Metadata{SizeBytes: 1, ContentHash: []byte{1}}, cur: &Metadata{SizeBytes: 2, ContentHash: []byte{1}}, want: false},
		{name: "hash differs", old: &Metadata{ContentHash: []byte{1}}, cur: &Metadata{ContentHash: []byte{2}}, want: true},
		{name: "version over etag", old: &Metadata{VersionID: "v1", ETag: "a"}, cur: &Metadata{VersionID: "v1", ETag: "b"}, want: false},
		{name: "version differs", old: &Metadata{VersionID: "v1"}, cur: &Metadata{VersionID: "v2"}, want: true},
		{name: "etag over mtime", old: &Metadata{ETag: "a", ModifiedAt: 1}, cur: &Metadata{ETag: "a", ModifiedAt: 2}, want: false},
		{name: "size and mtime", old: &Metadata{SizeBytes: 1, ModifiedAt: 1}, cur: &Metadata{SizeBytes: 1, ModifiedAt: 2}, want: true},
		{name: "identical", old: &Metadata{SizeBytes: 1, ModifiedAt: 1}, cur: &Metadata{SizeBytes: 1, ModifiedAt: 1}, want: false},
	}
	for _, tc := range cases {
		if got := Changed(tc.old, tc.cur); got != tc.want {
			t.Fatalf("%s: Changed = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCompareDeletedNeedsKnownMetadata(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	if event := compare("s1", nil, nil, now); event != nil {
		t.Fatalf("absent source without history should not change, got %+v", event)
	}
	event := compare("s1", &Metadata{SizeBytes: 3}, nil, now)
	if event == nil || event.ChangeType != Deleted || event.DetectedAt != now.Unix() || event.OldMetadata.SizeBytes != 3 {
		t.Fatalf("unexpected deleted event %+v", event)
	}
}

func TestChangeEventJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ChangeEvent{SessionID: "s1", ChangeType: PermissionChanged, DetectedAt: 5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"session_id":"s1","change_type":"permission_changed","detected_at":5}` {
		t.Fatalf("unexpected json %s", data)
	}
	var decoded ChangeEvent
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.ChangeType != PermissionChanged {
		t.Fatalf("round trip %+v err %v", decoded, err)
	}
}
