package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// listCursor pins a position in the (priority DESC, created_at ASC, id ASC)
// ordering used by ListTasks. The encoded form is opaque to clients.
type listCursor struct {
	Priority  int
	CreatedAt time.Time
	ID        string
}

func encodeCursor(t *Task) string {
	raw := fmt.Sprintf("%d|%s|%s", t.Priority, t.CreatedAt.UTC().Format(time.RFC3339Nano), t.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (listCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return listCursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return listCursor{}, ErrBadCursor
	}
	priority, err := strconv.Atoi(parts[0])
	if err != nil {
		return listCursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return listCursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return listCursor{Priority: priority, CreatedAt: createdAt, ID: parts[2]}, nil
}

// after reports whether t sorts strictly after the cursor position.
func (c listCursor) after(t *Task) bool {
	if t.Priority != c.Priority {
		return t.Priority < c.Priority
	}
	if !t.CreatedAt.Equal(c.CreatedAt) {
		return t.CreatedAt.After(c.CreatedAt)
	}
	return t.ID > c.ID
}

// taskLess is the ListTasks sort order: highest priority first, then oldest
// first, then id as the stable tiebreak.
func taskLess(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
