// Package upload implements the upload half of the pipeline: the stream
// dispatchers that consume upload triggers, and the per-provider executors
// that perform resumable transfers under a distributed lock.
package upload

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seedrelay/seedrelay/internal/constants"
	"github.com/seedrelay/seedrelay/internal/logging"
)

// Processor handles one stream entry. Returning true acknowledges the entry;
// false (or an error) leaves it in the pending-entries list for reclaim.
type Processor interface {
	ProcessEntry(ctx context.Context, entryID string, values map[string]any) (bool, error)
}

// StreamWorker consumes one provider's upload stream through a consumer
// group with at-least-once delivery.
type StreamWorker struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	processor Processor
	logger    *logging.Logger
}

// NewStreamWorker creates a worker over the given stream and group. The
// consumer name is unique per process instance.
func NewStreamWorker(client *redis.Client, stream, group string, processor Processor, logger *logging.Logger) *StreamWorker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	consumer := fmt.Sprintf("worker-%s-%s", hostname, strings.ReplaceAll(uuid.NewString(), "-", ""))

	return &StreamWorker{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		processor: processor,
		logger:    logger.Sub("stream-worker"),
	}
}

// Run consumes until ctx is cancelled. On start it creates the consumer
// group if absent, then reclaims abandoned pending entries before serving
// new messages.
func (w *StreamWorker) Run(ctx context.Context) error {
	if err := w.ensureGroup(ctx); err != nil {
		return err
	}
	w.logger.Info().Str("stream", w.stream).Str("group", w.group).Str("consumer", w.consumer).Msg("Stream worker started")

	if err := w.reclaimPending(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("Failed to reclaim pending entries on start")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entries, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.group,
			Consumer: w.consumer,
			Streams:  []string{w.stream, ">"},
			Count:    constants.StreamBatchSize,
			Block:    constants.StreamBlockTimeout,
		}).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(constants.StreamIdleSleep):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Msg("Stream read error, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(constants.StreamErrorBackoff):
			}
			continue
		}

		for _, stream := range entries {
			for _, msg := range stream.Messages {
				w.handle(ctx, msg)
			}
		}
	}
}

// ensureGroup creates the consumer group, tolerating a pre-existing one.
func (w *StreamWorker) ensureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.stream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", w.group, w.stream, err)
	}
	return nil
}

// reclaimPending claims entries that sat unacknowledged past the idle window
// (a previous consumer died mid-processing) and processes them first.
func (w *StreamWorker) reclaimPending(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := w.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.stream,
			Group:    w.group,
			Consumer: w.consumer,
			MinIdle:  constants.StreamReclaimIdle,
			Start:    start,
			Count:    constants.StreamBatchSize,
		}).Result()
		if err != nil {
			return err
		}

		for _, msg := range msgs {
			w.logger.Info().Str("entry_id", msg.ID).Msg("Reclaimed pending entry")
			w.handle(ctx, msg)
		}

		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// handle invokes the processor and acknowledges only on success.
func (w *StreamWorker) handle(ctx context.Context, msg redis.XMessage) {
	ok, err := w.processor.ProcessEntry(ctx, msg.ID, msg.Values)
	if err != nil {
		w.logger.Error().Str("entry_id", msg.ID).Err(err).Msg("Entry processing failed, leaving pending")
		return
	}
	if !ok {
		w.logger.Warn().Str("entry_id", msg.ID).Msg("Entry not processed, leaving pending")
		return
	}
	if err := w.client.XAck(ctx, w.stream, w.group, msg.ID).Err(); err != nil {
		w.logger.Error().Str("entry_id", msg.ID).Err(err).Msg("Failed to acknowledge entry")
	}
}
