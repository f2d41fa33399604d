// internal/events/bus.go
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// TopicTurnCompleted carries one message per committed turn.
const TopicTurnCompleted = "turn.completed"

// TurnCompleted is published after a turn transaction commits.
type TurnCompleted struct {
	SessionID    string    `json:"session_id"`
	TurnNumber   int       `json:"turn_number"`
	AnchorID     string    `json:"anchor_id,omitempty"`
	PlayerChoice string    `json:"player_choice,omitempty"`
	Deviation    float64   `json:"deviation"`
	Fallback     bool      `json:"fallback"`
	Units        int       `json:"units"`
	Text         string    `json:"text"`
	At           time.Time `json:"at"`
}

// Bus is an in-process pub/sub for background jobs and push notifications.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

// NewBus 创建进程内消息总线
func NewBus() *Bus {
	logger := utils.Component("bus")
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, zerologAdapter{logger: logger}),
		logger: logger,
	}
}

// PublishTurnCompleted encodes ev and publishes it on TopicTurnCompleted.
func (b *Bus) PublishTurnCompleted(ev TurnCompleted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode turn completed")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("session_id", ev.SessionID)
	return errors.Wrap(b.pubsub.Publish(TopicTurnCompleted, msg), "publish turn completed")
}

// Subscribe returns a channel of messages for topic until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close stops delivery to every subscriber.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// DecodeTurnCompleted reads a TurnCompleted payload.
func DecodeTurnCompleted(msg *message.Message) (TurnCompleted, error) {
	var ev TurnCompleted
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return TurnCompleted{}, errors.Wrap(err, "decode turn completed")
	}
	return ev, nil
}

// zerologAdapter routes watermill's internal logs through zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{logger: a.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
