package pagetoken

import (
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	cursor := Cursor{
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 123456000, time.UTC),
		ID:        "3f2504e0-4f89-11d3-9a0c-0305e82c3301",
	}
	decoded, err := Decode(Encode(cursor))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decoded.CreatedAt.Equal(cursor.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", decoded.CreatedAt, cursor.CreatedAt)
	}
	if decoded.ID != cursor.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, cursor.ID)
	}
}

func TestEmptyTokenMeansStart(t *testing.T) {
	decoded, err := Decode("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != nil {
		t.Errorf("empty token must decode to nil cursor")
	}
}

func TestGarbageTokens(t *testing.T) {
	for _, token := range []string{"!!!", "bm9wZQ", "MTIz"} {
		if _, err := Decode(token); err == nil {
			t.Errorf("token %q should be rejected", token)
		}
	}
}
