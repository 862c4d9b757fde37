package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const transcriptKeyPrefix = "transcript:"

// TranscriptCache keeps the recent turns of a conversation in a Redis list
// so the engine can assemble model context without hitting Postgres. It is
// a cache, never the source of truth: a cold or unreachable cache degrades
// to the store. All methods are nil-safe.
type TranscriptCache struct {
	redis       *redis.Client
	tracer      trace.Tracer
	ttl         time.Duration
	maxMessages int64
}

func NewTranscriptCache(redisClient *redis.Client, ttl time.Duration, maxMessages int) *TranscriptCache {
	if redisClient == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxMessages <= 0 {
		maxMessages = 20
	}
	return &TranscriptCache{
		redis:       redisClient,
		tracer:      otel.Tracer("lexhq.internal.assistant.transcript"),
		ttl:         ttl,
		maxMessages: int64(maxMessages),
	}
}

func (c *TranscriptCache) Append(ctx context.Context, conversationID uuid.UUID, msg ChatMessage) error {
	if c == nil || c.redis == nil {
		return nil
	}
	if conversationID == uuid.Nil {
		return errors.New("assistant: transcript conversationID required")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("assistant: marshal transcript message: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "assistant.transcript.append")
	defer span.End()

	key := transcriptKey(conversationID)
	pipe := c.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, c.ttl)
	pipe.LTrim(ctx, key, -c.maxMessages, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("assistant: append transcript message: %w", err)
	}
	return nil
}

// List returns the cached transcript in chronological order. An empty slice
// means a cold cache, not an empty conversation.
func (c *TranscriptCache) List(ctx context.Context, conversationID uuid.UUID) ([]ChatMessage, error) {
	if c == nil || c.redis == nil {
		return nil, nil
	}
	if conversationID == uuid.Nil {
		return nil, errors.New("assistant: transcript conversationID required")
	}

	ctx, span := c.tracer.Start(ctx, "assistant.transcript.list")
	defer span.End()

	raw, err := c.redis.LRange(ctx, transcriptKey(conversationID), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("assistant: list transcript: %w", err)
	}

	out := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Invalidate drops the cached transcript, used when a conversation reaches
// a terminal status.
func (c *TranscriptCache) Invalidate(ctx context.Context, conversationID uuid.UUID) error {
	if c == nil || c.redis == nil {
		return nil
	}
	if conversationID == uuid.Nil {
		return errors.New("assistant: transcript conversationID required")
	}

	ctx, span := c.tracer.Start(ctx, "assistant.transcript.invalidate")
	defer span.End()

	if err := c.redis.Del(ctx, transcriptKey(conversationID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("assistant: invalidate transcript: %w", err)
	}
	return nil
}

func transcriptKey(conversationID uuid.UUID) string {
	return transcriptKeyPrefix + conversationID.String()
}
