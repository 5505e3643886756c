package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"
)

// WALHeaderSize is the length of the little-endian body-length header that
// precedes the JSONL body of every WAL file.
const WALHeaderSize = 8

// WAL is a decoded write-ahead log body. Lines hold one record each without
// the trailing newline; blank lines are dropped during decoding.
type WAL struct {
	Lines [][]byte
}

// DecodeWAL parses raw WAL bytes. Inputs shorter than the header decode as an
// empty log. Bytes beyond the header's body length are ignored.
func DecodeWAL(raw []byte) (*WAL, error) {
	wal := &WAL{}
	if len(raw) < WALHeaderSize {
		return wal, nil
	}
	bodyLen := binary.LittleEndian.Uint64(raw[:WALHeaderSize])
	rest := raw[WALHeaderSize:]
	if bodyLen > uint64(len(rest)) {
		return nil, Errorf(KindSerialization, "decode wal", "header declares %d body bytes, have %d", bodyLen, len(rest))
	}
	body := rest[:bodyLen]
	for len(body) > 0 {
		var line []byte
		if idx := bytes.IndexByte(body, '\n'); idx >= 0 {
			line, body = body[:idx], body[idx+1:]
		} else {
			line, body = body, nil
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		wal.Lines = append(wal.Lines, line)
	}
	return wal, nil
}

// Encode renders the header and newline-terminated body.
func (w *WAL) Encode() []byte {
	size := 0
	for _, line := range w.Lines {
		size += len(line) + 1
	}
	out := make([]byte, WALHeaderSize, WALHeaderSize+size)
	binary.LittleEndian.PutUint64(out, uint64(size))
	for _, line := range w.Lines {
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out
}

// Len returns the tail position.
func (w *WAL) Len() uint64 { return uint64(len(w.Lines)) }

// Append adds payloads in order and returns the new tail position. Payloads
// hold exactly one record; a single trailing newline is accepted.
func (w *WAL) Append(payloads [][]byte) (uint64, error) {
	staged := make([][]byte, 0, len(payloads))
	for i, payload := range payloads {
		line := bytes.TrimSuffix(payload, []byte("\n"))
		if len(bytes.TrimSpace(line)) == 0 {
			return 0, Errorf(KindInvalidArgument, "append wal", "entry %d is empty", i)
		}
		if bytes.IndexByte(line, '\n') >= 0 {
			return 0, Errorf(KindInvalidArgument, "append wal", "entry %d spans multiple lines", i)
		}
		staged = append(staged, append([]byte(nil), line...))
	}
	w.Lines = append(w.Lines, staged...)
	return w.Len(), nil
}

// Read returns entries with position >= from, at most limit of them when limit
// is positive, and whether unread entries remain.
func (w *WAL) Read(from uint64, limit int, now time.Time) ([]WalEntry, bool) {
	if from == 0 {
		from = 1
	}
	if from > w.Len() {
		return []WalEntry{}, false
	}
	start := int(from - 1)
	end := len(w.Lines)
	if limit > 0 && limit < end-start {
		end = start + limit
	}
	entries := make([]WalEntry, 0, end-start)
	for idx := start; idx < end; idx++ {
		entries = append(entries, newWalEntry(uint64(idx+1), w.Lines[idx], now))
	}
	return entries, end < len(w.Lines)
}

// Truncate keeps entries with position <= keepCount and returns the number
// removed.
func (w *WAL) Truncate(keepCount uint64) uint64 {
	if keepCount >= w.Len() {
		return 0
	}
	removed := w.Len() - keepCount
	w.Lines = w.Lines[:keepCount]
	return removed
}

func newWalEntry(position uint64, line []byte, now time.Time) WalEntry {
	payload := make([]byte, len(line)+1)
	copy(payload, line)
	payload[len(line)] = '\n'
	entry := WalEntry{Position: position, Payload: payload, Timestamp: now}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return entry
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringField(fields, "timestamp")); err == nil {
		entry.Timestamp = ts.UTC()
	}
	entry.Operation = stringField(fields, "operation")
	if entry.Operation == "" {
		entry.Operation = stringField(fields, "op")
	}
	entry.Path = stringField(fields, "path")
	return entry
}

func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}
