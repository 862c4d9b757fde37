package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a queueClient backed by a buffered channel, used when
// USE_MEMORY_QUEUE is set so dev runs the runner inside the API process.
type MemoryQueue struct {
	ch chan queueMessage
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{ch: make(chan queueMessage, buffer)}
}

// Send enqueues a payload or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	msg := queueMessage{
		ID:            uuid.NewString(),
		Body:          body,
		ReceiptHandle: uuid.NewString(),
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message arrives, ctx is done, or waitSeconds
// elapses. A zero waitSeconds blocks indefinitely, matching SQS long-poll
// semantics closely enough for dev.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var wait <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		wait = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wait:
		return nil, nil
	case msg := <-q.ch:
		messages := []queueMessage{msg}
		for len(messages) < maxMessages {
			select {
			case next := <-q.ch:
				messages = append(messages, next)
			default:
				return messages, nil
			}
		}
		return messages, nil
	}
}

// Delete is a no-op: channel receive already consumed the message.
func (q *MemoryQueue) Delete(_ context.Context, _ string) error {
	return nil
}
