package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Publisher enqueues job requests; the API trigger endpoint and any backend
// producer go through it.
type Publisher struct {
	queue queueClient
}

func NewPublisher(queue queueClient) *Publisher {
	if queue == nil {
		panic("batch: queue cannot be nil")
	}
	return &Publisher{queue: queue}
}

// Publish validates and enqueues one job request.
func (p *Publisher) Publish(ctx context.Context, req JobRequest) error {
	if req.FirmID == uuid.Nil {
		return errors.New("batch: firm id is required")
	}
	if req.Feature == "" {
		return errors.New("batch: feature is required")
	}
	if len(req.Items) == 0 {
		return errors.New("batch: at least one item is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("batch: encode job request: %w", err)
	}
	if err := p.queue.Send(ctx, string(body)); err != nil {
		return fmt.Errorf("batch: enqueue job: %w", err)
	}
	return nil
}
