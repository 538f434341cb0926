package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cursor marks the last document of a page in a (createdAt desc, id desc) ordering.
type Cursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

// EncodeToken serialises the cursor into an opaque URL-safe page token.
func EncodeToken(cursor Cursor) string {
	if cursor.ID == "" {
		return ""
	}
	data, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses a page token produced by EncodeToken.
func DecodeToken(token string) (Cursor, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.ID == "" || cursor.CreatedAt.IsZero() {
		return Cursor{}, fmt.Errorf("%w: incomplete cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}
