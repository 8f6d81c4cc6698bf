package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message types carried on the bus.
const (
	MessageTask      = "task"
	MessageResult    = "result"
	MessageStatus    = "status"
	MessageReview    = "review"
	MessageBroadcast = "broadcast"
)

// Message is an asynchronous message between agents, sessions and the orchestrator.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func newMessage(from, to, typ string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   string(data),
		Timestamp: time.Now(),
	}, nil
}

// Bus delivers messages addressed to a stream (the message's To field).
type Bus interface {
	Publish(ctx context.Context, msg *Message) error
	// Subscribe returns messages published to stream after the call.
	// The channel closes when ctx is done or the bus is closed.
	Subscribe(ctx context.Context, stream string) <-chan *Message
	Close() error
}

const streamPrefix = "nuka:orch:"

// RedisBus handles inter-agent communication via Redis Streams.
type RedisBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisBus creates a Redis-backed message bus.
func NewRedisBus(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, logger: logger}, nil
}

// Publish appends a message to the recipient's stream.
func (b *RedisBus) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	stream := streamPrefix + msg.To
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published message",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("type", msg.Type))
	return nil
}

// Subscribe listens for new messages on a stream.
func (b *RedisBus) Subscribe(ctx context.Context, stream string) <-chan *Message {
	ch := make(chan *Message, 16)
	key := streamPrefix + stream

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Debug("xread failed", zap.String("stream", key), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, m := range r.Messages {
					lastID = m.ID
					data, ok := m.Values["data"].(string)
					if !ok {
						continue
					}
					var msg Message
					if json.Unmarshal([]byte(data), &msg) != nil {
						continue
					}
					select {
					case ch <- &msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

// LocalBus is an in-process Bus used when Redis is not configured.
// Slow subscribers miss messages rather than block publishers.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[string]map[chan *Message]struct{}
	closed bool
	logger *zap.Logger
}

// NewLocalBus creates an in-process message bus.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	return &LocalBus{subs: make(map[string]map[chan *Message]struct{}), logger: logger}
}

// Publish delivers msg to every current subscriber of msg.To.
func (b *LocalBus) Publish(_ context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for ch := range b.subs[msg.To] {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("dropping message for slow subscriber",
				zap.String("stream", msg.To), zap.String("type", msg.Type))
		}
	}
	return nil
}

// Subscribe registers a subscriber on stream until ctx is done.
func (b *LocalBus) Subscribe(ctx context.Context, stream string) <-chan *Message {
	ch := make(chan *Message, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	if b.subs[stream] == nil {
		b.subs[stream] = make(map[chan *Message]struct{})
	}
	b.subs[stream][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[stream][ch]; ok {
			delete(b.subs[stream], ch)
			close(ch)
		}
	}()
	return ch
}

// Close closes every subscriber channel.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for stream, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, stream)
	}
	return nil
}

// SendMessage publishes a message through the configured bus.
func (o *Orchestrator) SendMessage(ctx context.Context, from, to, typ string, payload interface{}) (*Message, error) {
	if o.bus == nil {
		return nil, errors.New("no message bus configured")
	}
	msg, err := newMessage(from, to, typ, payload)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if err := o.bus.Publish(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
