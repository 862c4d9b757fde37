package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// S3Client is the slice of the S3 API the archiver uses (allows mocking in tests).
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// MessageLister is the store slice the archiver reads transcripts through.
type MessageLister interface {
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
}

// archiveMessageLimit bounds how much of a very long conversation lands in
// the archive object.
const archiveMessageLimit = 1000

// Archiver writes closed conversation transcripts to S3 as JSONL, one line
// per message. Archival is best-effort: closing a conversation never fails
// because the archive write did.
type Archiver struct {
	store  MessageLister
	s3     S3Client
	bucket string
	logger *logging.Logger
}

type ArchiverConfig struct {
	Store  MessageLister
	S3     S3Client
	Bucket string
	Logger *logging.Logger
}

func NewArchiver(cfg ArchiverConfig) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Archiver{
		store:  cfg.Store,
		s3:     cfg.S3,
		bucket: cfg.Bucket,
		logger: cfg.Logger,
	}
}

type transcriptLine struct {
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Intent       string    `json:"intent,omitempty"`
	ActionType   string    `json:"action_type,omitempty"`
	ActionStatus string    `json:"action_status,omitempty"`
	ActionReason string    `json:"action_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ArchiveResult struct {
	MessagesArchived int
	S3Key            string
	BytesWritten     int64
}

// ArchiveConversation uploads the conversation transcript to
// transcripts/<year>/<month>/<day>/<firm>/<conversation>.jsonl.
func (a *Archiver) ArchiveConversation(ctx context.Context, conv *Conversation) (*ArchiveResult, error) {
	if a == nil || a.store == nil || a.s3 == nil || a.bucket == "" {
		return nil, fmt.Errorf("assistant: archiver not configured")
	}
	if conv == nil {
		return nil, fmt.Errorf("assistant: conversation required")
	}

	msgs, err := a.store.RecentMessages(ctx, conv.ID, archiveMessageLimit)
	if err != nil {
		return nil, fmt.Errorf("assistant: fetch transcript: %w", err)
	}
	if len(msgs) == 0 {
		a.logger.Info("no messages to archive", "conversation_id", conv.ID)
		return &ArchiveResult{}, nil
	}

	var buf bytes.Buffer
	for _, msg := range msgs {
		line, err := json.Marshal(transcriptLine{
			Role:         string(msg.Role),
			Content:      msg.Content,
			Intent:       msg.Intent,
			ActionType:   msg.ActionType,
			ActionStatus: string(msg.ActionStatus),
			ActionReason: msg.ActionReason,
			CreatedAt:    msg.CreatedAt,
		})
		if err != nil {
			a.logger.Warn("failed to marshal transcript line", "error", err, "message_id", msg.ID)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("transcripts/%d/%02d/%02d/%s/%s.jsonl",
		now.Year(), now.Month(), now.Day(), conv.FirmID, conv.ID)

	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"firm_id":         conv.FirmID.String(),
			"conversation_id": conv.ID.String(),
			"status":          string(conv.Status),
			"message_count":   fmt.Sprintf("%d", len(msgs)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("assistant: s3 upload failed: %w", err)
	}

	a.logger.Info("archived conversation transcript",
		"conversation_id", conv.ID,
		"messages", len(msgs),
		"s3_key", key,
	)

	return &ArchiveResult{
		MessagesArchived: len(msgs),
		S3Key:            key,
		BytesWritten:     int64(buf.Len()),
	}, nil
}
