package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// File name suffixes shared by the disk and object backends.
const (
	SessionsDir       = "sessions"
	LocksDir          = "locks"
	IndexFileName     = "index.json"
	sessionSuffix     = ".docx"
	walSuffix         = ".wal"
	checkpointMarker  = ".ckpt."
	maxIdentifierSize = 512
)

// ValidateTenant rejects empty or path-unsafe tenant identifiers.
func ValidateTenant(tenant string) error {
	if strings.TrimSpace(tenant) == "" {
		return ErrTenantRequired
	}
	return validateSegment("tenant_id", tenant)
}

// ValidateSessionID rejects empty or path-unsafe session identifiers.
func ValidateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return Errorf(KindInvalidArgument, "", "session_id is required")
	}
	return validateSegment("session_id", sessionID)
}

// ValidateResource rejects empty or path-unsafe lock resource names.
func ValidateResource(resource string) error {
	if strings.TrimSpace(resource) == "" {
		return Errorf(KindInvalidArgument, "", "resource is required")
	}
	return validateSegment("resource", resource)
}

func validateSegment(field, value string) error {
	switch {
	case len(value) > maxIdentifierSize:
		return Errorf(KindInvalidArgument, "", "%s exceeds %d bytes", field, maxIdentifierSize)
	case strings.HasPrefix(value, "."):
		return Errorf(KindInvalidArgument, "", "%s must not start with a dot", field)
	case strings.ContainsAny(value, "/\\\x00"):
		return Errorf(KindInvalidArgument, "", "%s contains a path separator", field)
	}
	return nil
}

// SessionFileName returns the blob file name for a session.
func SessionFileName(sessionID string) string { return sessionID + sessionSuffix }

// WALFileName returns the WAL file name for a session.
func WALFileName(sessionID string) string { return sessionID + walSuffix }

// CheckpointFileName returns the file name of the checkpoint at position.
func CheckpointFileName(sessionID string, position uint64) string {
	return fmt.Sprintf("%s%s%d%s", sessionID, checkpointMarker, position, sessionSuffix)
}

// CheckpointPrefix is shared by every checkpoint file of a session.
func CheckpointPrefix(sessionID string) string { return sessionID + checkpointMarker }

// SessionIDFromFileName reports the session id for a session blob name.
// Checkpoints and other files yield false.
func SessionIDFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, sessionSuffix) || strings.Contains(name, checkpointMarker) {
		return "", false
	}
	id := strings.TrimSuffix(name, sessionSuffix)
	if id == "" {
		return "", false
	}
	return id, true
}

// CheckpointPositionFromFileName parses the position from a checkpoint file
// name belonging to sessionID.
func CheckpointPositionFromFileName(sessionID, name string) (uint64, bool) {
	prefix := CheckpointPrefix(sessionID)
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, sessionSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, prefix), sessionSuffix)
	pos, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return pos, true
}

// SessionsPrefix is the object key prefix holding a tenant's session blobs.
func SessionsPrefix(tenant string) string { return tenant + "/" + SessionsDir + "/" }

// IndexKey is the key-value key holding a tenant index.
func IndexKey(tenant string) string { return "index:" + tenant }

// LockKey is the key-value key holding a TTL lock record.
func LockKey(tenant, resource string) string { return "lock:" + tenant + ":" + resource }
