package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/sessionctl/internal/domain"
)

// EncodeCursor produces the opaque pagination token for a (createdAt, id)
// tuple. The encoding is deliberately unspecified to callers: it is a
// base64 blob, not a value they should parse.
func EncodeCursor(c domain.Cursor) string {
	raw := fmt.Sprintf("%d:%s", c.CreatedAt.UnixMilli(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor previously returned by EncodeCursor.
func DecodeCursor(token string) (domain.Cursor, error) {
	if token == "" {
		return domain.Cursor{}, fmt.Errorf("empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return domain.Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return domain.Cursor{}, fmt.Errorf("malformed cursor")
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return domain.Cursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return domain.Cursor{CreatedAt: time.UnixMilli(millis), ID: parts[1]}, nil
}
