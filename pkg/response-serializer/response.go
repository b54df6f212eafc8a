package serializer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"
)

// StoredResponse is a fetched response as it is laid out in shared storage.
// The body is hex encoded so a record stays plain text regardless of content.
type StoredResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the response was written to storage.
	// Needed for TTL calculation.
	WrittenAt time.Time
}

type record struct {
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	Headers    http.Header `json:"headers"`
	ContentHex string      `json:"content_hex"`
	Timestamp  float64     `json:"timestamp"`
}

// StoredResponseToBytes encodes a stored response into its storage record.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	header := sRes.Header
	if header == nil {
		header = http.Header{}
	}
	return json.Marshal(record{
		URL:        sRes.URL,
		Status:     sRes.StatusCode,
		Headers:    header,
		ContentHex: hex.EncodeToString(sRes.Body),
		Timestamp:  float64(sRes.WrittenAt.UnixNano()) / float64(time.Second),
	})
}

// BytesToStoredResponse decodes a storage record.
// Records missing a status or a timestamp are rejected, as they cannot be
// served or expired.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return StoredResponse{}, err
	}
	if rec.Status < 100 || rec.Status > 999 {
		return StoredResponse{}, fmt.Errorf("invalid status %d in record", rec.Status)
	}
	if rec.Timestamp <= 0 {
		return StoredResponse{}, fmt.Errorf("missing timestamp in record")
	}
	body, err := hex.DecodeString(rec.ContentHex)
	if err != nil {
		return StoredResponse{}, fmt.Errorf("content_hex: %w", err)
	}
	if rec.Headers == nil {
		rec.Headers = http.Header{}
	}
	sec, frac := math.Modf(rec.Timestamp)
	return StoredResponse{
		URL:        rec.URL,
		StatusCode: rec.Status,
		Header:     rec.Headers,
		Body:       body,
		WrittenAt:  time.Unix(int64(sec), int64(frac*float64(time.Second))),
	}, nil
}
