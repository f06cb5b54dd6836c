package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// RunCursor encodes a started_at timestamp + ULID for stable run ordering.
type RunCursor struct {
	StartedAt time.Time
	ULID      string
}

// EncodeRunCursor encodes the cursor as base64(ts_unix_nano:ULID).
func EncodeRunCursor(startedAt time.Time, ulid string) string {
	value := fmt.Sprintf("%d:%s", startedAt.UTC().UnixNano(), strings.ToUpper(strings.TrimSpace(ulid)))
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// DecodeRunCursor decodes base64(ts_unix_nano:ULID) into a RunCursor.
func DecodeRunCursor(cursor string) (RunCursor, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return RunCursor{}, ErrInvalidCursor
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return RunCursor{}, ErrInvalidCursor
	}
	ts, ulid, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return RunCursor{}, ErrInvalidCursor
	}
	unixNano, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return RunCursor{}, ErrInvalidCursor
	}
	ulid = strings.ToUpper(strings.TrimSpace(ulid))
	if ulid == "" {
		return RunCursor{}, ErrInvalidCursor
	}
	return RunCursor{StartedAt: time.Unix(0, unixNano).UTC(), ULID: ulid}, nil
}
