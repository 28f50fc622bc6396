package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

const source = "github.com/diwise/locker-mgmt"

//go:generate moq -rm -out eventsender_mock.go . EventSender

type EventSender interface {
	Send(ctx context.Context, id string, timestamp time.Time, message messaging.TopicMessage) error
}

type eventSender struct {
	subscribers map[string][]SubscriberConfig
}

func New(cfg *Config) EventSender {
	e := &eventSender{
		subscribers: make(map[string][]SubscriberConfig),
	}

	if cfg != nil {
		for _, s := range cfg.Notifications {
			e.subscribers[s.Type] = append(e.subscribers[s.Type], s.Subscribers...)
		}
	}

	return e
}

// EventType is the cloud event type used for a message, e.g.
// "lockermgmt.door.overdue".
func EventType(message messaging.TopicMessage) string {
	return "lockermgmt." + message.TopicName()
}

// Send posts message as a cloud event to every subscriber of its type.
// Messages without subscribers are dropped.
func (e *eventSender) Send(ctx context.Context, id string, timestamp time.Time, message messaging.TopicMessage) error {
	eventType := EventType(message)

	subscribers, ok := e.subscribers[eventType]
	if !ok || len(subscribers) == 0 {
		return nil
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", id, timestamp.Unix()))
	event.SetTime(timestamp)
	event.SetSource(source)
	event.SetType(eventType)

	err = event.SetData(cloudevents.ApplicationJSON, message)
	if err != nil {
		return err
	}

	logger := logging.GetLoggerFromContext(ctx)

	for _, s := range subscribers {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.Endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send event to %s", s.Endpoint)
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}

type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
