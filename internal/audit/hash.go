package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ComputeHash returns hex(SHA-256) over the canonical JSON of the entry's
// hashed fields. ID, user agent, event type and resource are not hashed.
func ComputeHash(e *Entry) string {
	payload := map[string]string{
		"user_id":       e.UserID,
		"action":        e.Action,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"timestamp":     formatTimestamp(e.Timestamp),
		"details":       e.Details,
		"ip_address":    e.IPAddress,
		"previous_hash": e.PreviousHash,
	}
	b, err := canonicalJSON(payload)
	if err != nil {
		// A map of strings always encodes.
		panic(fmt.Sprintf("audit: encode hash payload: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// formatTimestamp renders t the way every store can reproduce it:
// UTC, microsecond precision.
func formatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

// canonicalDetails renders details as key-sorted, whitespace-free JSON.
// nil renders as "".
func canonicalDetails(details any) (string, error) {
	if details == nil {
		return "", nil
	}

	var raw []byte
	switch d := details.(type) {
	case json.RawMessage:
		raw = d
	case []byte:
		raw = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return "", err
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}

	// Round-trip through a generic value so object keys come out sorted.
	// UseNumber keeps numbers byte-for-byte instead of via float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	if dec.More() {
		return "", fmt.Errorf("trailing data after JSON value")
	}
	if v == nil {
		return "", nil
	}
	b, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
