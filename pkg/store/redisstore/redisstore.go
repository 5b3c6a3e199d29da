package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

const (
	DefaultKey     = "hsu:config"
	DefaultChannel = "hsu:config:changed"
)

type Options struct {
	Name string
	// Key is the Redis hash holding the document, one field per top level key
	Key string
	// Channel receives a message after every write made through Writer
	Channel string
}

func (o Options) withDefaults() Options {
	if o.Key == "" {
		o.Key = DefaultKey
	}
	if o.Channel == "" {
		o.Channel = DefaultChannel
	}
	if o.Name == "" {
		o.Name = o.Key
	}
	return o
}

// Store reads the configuration document from a Redis hash. Field values
// holding JSON are decoded; anything else is returned as a string.
type Store struct {
	client  *redis.Client
	options Options
	logger  logging.Logger
}

func New(client *redis.Client, options Options, logger logging.Logger) *Store {
	return &Store{
		client:  client,
		options: options.withDefaults(),
		logger:  logger,
	}
}

func (s *Store) Name() string {
	return s.options.Name
}

func (s *Store) Read(ctx context.Context) (any, error) {
	fields, err := s.client.HGetAll(ctx, s.options.Key).Result()
	if err != nil {
		return nil, errors.NewNetworkError("failed to read configuration store", err).WithContext("key", s.options.Key)
	}

	document := make(map[string]any, len(fields))
	for field, raw := range fields {
		document[field] = decodeValue(raw)
	}
	return document, nil
}

func decodeValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return raw
}

// keyspaceChannel is where Redis publishes changes to the hash when keyspace
// notifications are enabled on the server
func (s *Store) keyspaceChannel() string {
	return fmt.Sprintf("__keyspace@%d__:%s", s.client.Options().DB, s.options.Key)
}

// Subscribe listens on the store channel and on the keyspace channel of the hash
func (s *Store) Subscribe(ctx context.Context, notify func()) (func(), error) {
	if notify == nil {
		return nil, errors.NewValidationError("notify callback cannot be nil", nil)
	}

	pubsub := s.client.Subscribe(ctx, s.options.Channel, s.keyspaceChannel())
	// Wait for the subscription confirmation so no write is missed after Subscribe returns
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.NewNetworkError("failed to subscribe to configuration store", err).WithContext("channel", s.options.Channel)
	}

	subCtx, cancelSub := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				s.logger.Debugf("Configuration store notification, channel: %s, payload: %s", msg.Channel, msg.Payload)
				notify()
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelSub()
			pubsub.Close()
			<-done
		})
	}
	return cancel, nil
}

// Writer is used by collaborators that own the configuration, never by the orchestrator core
type Writer struct {
	client  *redis.Client
	options Options
}

func NewWriter(client *redis.Client, options Options) *Writer {
	return &Writer{client: client, options: options.withDefaults()}
}

// Set stores value as JSON under field and publishes a change notification
func (w *Writer) Set(ctx context.Context, field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewValidationError("value is not JSON serializable", err).WithContext("field", field)
	}

	pipe := w.client.Pipeline()
	pipe.HSet(ctx, w.options.Key, field, string(data))
	pipe.Publish(ctx, w.options.Channel, field)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewNetworkError("failed to write configuration store", err).WithContext("field", field)
	}
	return nil
}

func (w *Writer) Delete(ctx context.Context, field string) error {
	pipe := w.client.Pipeline()
	pipe.HDel(ctx, w.options.Key, field)
	pipe.Publish(ctx, w.options.Channel, field)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewNetworkError("failed to delete from configuration store", err).WithContext("field", field)
	}
	return nil
}
