package fabric

import (
	"testing"
	"time"
)

func TestUploadMessageValues(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	msg := UploadMessage{
		JobID:            17,
		DownloadPath:     "/app/downloads/17",
		StorageProfileID: 4,
		UserID:           9,
		CreatedAt:        created,
	}

	values := msg.Values()
	if values["jobId"] != "17" {
		t.Errorf("jobId = %v", values["jobId"])
	}
	if values["downloadPath"] != "/app/downloads/17" {
		t.Errorf("downloadPath = %v", values["downloadPath"])
	}
	if values["storageProfileId"] != "4" {
		t.Errorf("storageProfileId = %v", values["storageProfileId"])
	}
	if values["userId"] != "9" {
		t.Errorf("userId = %v", values["userId"])
	}
	if values["createdAt"] != "2026-03-14T09:26:53Z" {
		t.Errorf("createdAt = %v", values["createdAt"])
	}

	parsed, err := ParseUploadMessage(values)
	if err != nil {
		t.Fatalf("ParseUploadMessage: %v", err)
	}
	if parsed != msg {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, msg)
	}
}

func TestParseJobID(t *testing.T) {
	tests := []struct {
		name     string
		values   map[string]any
		expected uint
		ok       bool
	}{
		{name: "valid", values: map[string]any{"jobId": "123"}, expected: 123, ok: true},
		{name: "missing field", values: map[string]any{}, ok: false},
		{name: "non-string value", values: map[string]any{"jobId": 123}, ok: false},
		{name: "garbled value", values: map[string]any{"jobId": "abc"}, ok: false},
		{name: "negative value", values: map[string]any{"jobId": "-1"}, ok: false},
		{name: "empty string", values: map[string]any{"jobId": ""}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseJobID(tt.values)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.expected {
				t.Errorf("id = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestParseUploadMessageGarbledID(t *testing.T) {
	_, err := ParseUploadMessage(map[string]any{"jobId": "not-a-number"})
	if err == nil {
		t.Error("expected an error for a garbled jobId")
	}
}
