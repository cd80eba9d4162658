package fabric

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// UploadMessage is the record published to a provider's upload stream when a
// download finishes. Field names are part of the wire contract.
type UploadMessage struct {
	JobID            uint
	DownloadPath     string
	StorageProfileID uint
	UserID           uint
	CreatedAt        time.Time
}

// Stream field names.
const (
	fieldJobID            = "jobId"
	fieldDownloadPath     = "downloadPath"
	fieldStorageProfileID = "storageProfileId"
	fieldUserID           = "userId"
	fieldCreatedAt        = "createdAt"
)

// Values flattens the message into XADD fields. Integers are decimal strings,
// createdAt is ISO-8601 UTC.
func (m UploadMessage) Values() map[string]any {
	return map[string]any{
		fieldJobID:            strconv.FormatUint(uint64(m.JobID), 10),
		fieldDownloadPath:     m.DownloadPath,
		fieldStorageProfileID: strconv.FormatUint(uint64(m.StorageProfileID), 10),
		fieldUserID:           strconv.FormatUint(uint64(m.UserID), 10),
		fieldCreatedAt:        m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseUploadMessage reconstructs a message from stream entry values.
func ParseUploadMessage(values map[string]any) (UploadMessage, error) {
	var msg UploadMessage

	jobID, ok := ParseJobID(values)
	if !ok {
		return msg, fmt.Errorf("stream entry missing or garbled jobId field")
	}
	msg.JobID = jobID

	if v, ok := values[fieldDownloadPath].(string); ok {
		msg.DownloadPath = v
	}
	if v, ok := values[fieldStorageProfileID].(string); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			msg.StorageProfileID = uint(n)
		}
	}
	if v, ok := values[fieldUserID].(string); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			msg.UserID = uint(n)
		}
	}
	if v, ok := values[fieldCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			msg.CreatedAt = t
		}
	}
	return msg, nil
}

// ParseJobID extracts the job id from stream entry values. The second return
// is false for missing or garbled ids; such entries are drained rather than
// retried to prevent poison loops.
func ParseJobID(values map[string]any) (uint, bool) {
	raw, ok := values[fieldJobID]
	if !ok {
		return 0, false
	}
	str, ok := raw.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(n), true
}

// Publisher appends upload trigger records to provider streams.
type Publisher struct {
	client *redis.Client
}

// NewPublisher wraps client as a Publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish appends msg to streamKey and returns the entry id. This XADD is the
// sole hand-off from the download phase to the upload phase.
func (p *Publisher) Publish(ctx context.Context, streamKey string, msg UploadMessage) (string, error) {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: msg.Values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", streamKey, err)
	}
	return id, nil
}
