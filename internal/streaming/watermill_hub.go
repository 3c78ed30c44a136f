package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	// Topic carries every run lifecycle event.
	Topic = "autoflow.runs"

	metaEventType = "event_type"
	metaRunID     = "run_id"

	defaultSubscriberBuffer = 64
)

// WatermillHub is an EventHub over a watermill in-process pub/sub.
type WatermillHub struct {
	pubSub *gochannel.GoChannel
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ EventHub = (*WatermillHub)(nil)

// NewWatermillHub creates a non-persistent hub.
func NewWatermillHub(logger *slog.Logger) *WatermillHub {
	if logger == nil {
		logger = slog.Default()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
	return &WatermillHub{pubSub: pubSub, logger: logger}
}

func (h *WatermillHub) Publish(_ context.Context, event RunEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(metaEventType, event.Type)
	msg.Metadata.Set(metaRunID, event.RunID)
	return h.pubSub.Publish(Topic, msg)
}

// Subscribe returns a channel of matching events. The channel is closed when
// ctx ends, the returned cancel func is called, or the hub closes.
func (h *WatermillHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	messages, err := h.pubSub.Subscribe(subCtx, Topic)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan RunEvent, defaultSubscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var event RunEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				h.logger.Warn("dropping undecodable run event", slog.String("error", err.Error()))
				msg.Ack()
				continue
			}
			msg.Ack()
			if !filter.Match(event) {
				continue
			}
			select {
			case out <- event:
			default:
				h.logger.Debug("subscriber full, dropping run event",
					slog.String("run_id", event.RunID), slog.String("type", event.Type))
			}
		}
	}()
	return out, cancel, nil
}

func (h *WatermillHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.pubSub.Close()
}

// Publisher exposes the underlying watermill publisher.
func (h *WatermillHub) Publisher() message.Publisher { return h.pubSub }
