package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalDetails(t *testing.T) {
	tests := []struct {
		name    string
		details any
		want    string
	}{
		{"nil", nil, ""},
		{"json null", json.RawMessage(`null`), ""},
		{"empty raw", json.RawMessage(`  `), ""},
		{"sorted keys", map[string]any{"b": 1, "a": "x"}, `{"a":"x","b":1}`},
		{"nested", map[string]any{"z": map[string]int{"y": 2, "x": 1}}, `{"z":{"x":1,"y":2}}`},
		{"raw whitespace", json.RawMessage(`{ "b" : [1, 2], "a" : true }`), `{"a":true,"b":[1,2]}`},
		{"bytes", []byte(`{"k":"v"}`), `{"k":"v"}`},
		{"large number kept", json.RawMessage(`{"n":12345678901234567890}`), `{"n":12345678901234567890}`},
		{"html not escaped", map[string]string{"q": "<a&b>"}, `{"q":"<a&b>"}`},
		{"struct", struct {
			Reason string `json:"reason"`
			Count  int    `json:"count"`
		}{"lockout", 5}, `{"count":5,"reason":"lockout"}`},
		{"string", "hello", `"hello"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalDetails(tt.details)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalDetails_Rejects(t *testing.T) {
	for _, d := range []any{
		json.RawMessage(`{"a":`),
		json.RawMessage(`{} {}`),
		func() {},
	} {
		_, err := canonicalDetails(d)
		assert.Error(t, err)
	}
}

func TestComputeHash(t *testing.T) {
	e := &Entry{
		UserID:       "alice",
		Action:       "transfer",
		ResourceType: "account",
		ResourceID:   "acc-1",
		Details:      `{"amount":100}`,
		IPAddress:    "10.0.0.1",
		Timestamp:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		PreviousHash: "",
	}
	h := ComputeHash(e)
	assert.Len(t, h, 64)
	assert.Equal(t, h, ComputeHash(e), "hash must be deterministic")

	// Fields outside the hashed set do not change it.
	cp := *e
	cp.ID = 42
	cp.UserAgent = "curl"
	cp.EventType = "security"
	cp.Resource = "account:alice"
	cp.CurrentHash = "whatever"
	assert.Equal(t, h, ComputeHash(&cp))

	// The same instant in another zone hashes the same.
	cp = *e
	cp.Timestamp = e.Timestamp.In(time.FixedZone("JST", 9*3600))
	assert.Equal(t, h, ComputeHash(&cp))

	edits := map[string]func(e *Entry){
		"user_id":       func(e *Entry) { e.UserID = "bob" },
		"action":        func(e *Entry) { e.Action = "refund" },
		"resource_type": func(e *Entry) { e.ResourceType = "card" },
		"resource_id":   func(e *Entry) { e.ResourceID = "acc-2" },
		"details":       func(e *Entry) { e.Details = `{"amount":101}` },
		"ip_address":    func(e *Entry) { e.IPAddress = "10.0.0.2" },
		"timestamp":     func(e *Entry) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
		"previous_hash": func(e *Entry) { e.PreviousHash = h },
	}
	for field, edit := range edits {
		cp := *e
		edit(&cp)
		assert.NotEqual(t, h, ComputeHash(&cp), "changing %s must change the hash", field)
	}
}

func TestFormatTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 10, 7, 0, 0, 987654321, time.FixedZone("EST", -5*3600))
	assert.Equal(t, "2026-03-10T12:00:00.987654Z", formatTimestamp(at))
}
