// Package pagetoken encodes cursor pagination tokens. Tokens are opaque to
// clients: base64 of the last row's (created_at, id) pair.
package pagetoken

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Cursor is the decoded page position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode renders the cursor as an opaque token.
func Encode(c Cursor) string {
	raw := fmt.Sprintf("%d|%s", c.CreatedAt.UnixMicro(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token. An empty token means "from the start".
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid page token")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid page token")
	}
	var micros int64
	if _, err := fmt.Sscanf(parts[0], "%d", &micros); err != nil {
		return nil, fmt.Errorf("invalid page token")
	}
	return &Cursor{CreatedAt: time.UnixMicro(micros), ID: parts[1]}, nil
}
