// Package notify fans out lock and workflow events to clients watching an asset.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type EventType string

const (
	BlockLocked       EventType = "block.locked"
	BlockUnlocked     EventType = "block.unlocked"
	BlockUpdated      EventType = "block.updated"
	WorkflowStarted   EventType = "workflow.started"
	WorkflowSubmitted EventType = "workflow.submitted"
	WorkflowAdvanced  EventType = "workflow.advanced"
	WorkflowApproved  EventType = "workflow.approved"
	WorkflowReturned  EventType = "workflow.returned"
	WorkflowRecalled  EventType = "workflow.recalled"
)

type Event struct {
	Type               EventType `json:"type"`
	AssetID            string    `json:"assetId"`
	ChapterName        string    `json:"chapterName,omitempty"`
	WorkflowInstanceID string    `json:"workflowInstanceId,omitempty"`
	BlockID            string    `json:"blockId,omitempty"`
	StageID            string    `json:"stageId,omitempty"`
	Version            int64     `json:"version,omitempty"`
	Actor              string    `json:"actor"`
	At                 time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, assetID string) (<-chan Event, error)
}

// Nop drops every event. It is used when Redis is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Subscribe(ctx context.Context, _ string) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type RedisBus struct {
	client *redis.Client
	prefix string
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, prefix: "chatesg:events:"}
}

func (b *RedisBus) channel(assetID string) string {
	return b.prefix + assetID
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.AssetID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe streams events for assetID until ctx is cancelled. Malformed
// payloads are skipped.
func (b *RedisBus) Subscribe(ctx context.Context, assetID string) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, b.channel(assetID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
