package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultStream    = "flowgate:events"
	DefaultChannel   = "flowgate:events:terminal"
	DefaultStreamLen = 10000
)

var ErrRedisPublish = errors.New("failed to publish event to redis")

// RedisPublisher appends events to a Redis stream and announces them on a
// pub/sub channel in the same transaction.
type RedisPublisher struct {
	client    goredis.UniversalClient
	stream    string
	channel   string
	maxLen    int64
	ownClient bool
}

type RedisOption func(*RedisPublisher)

func WithStream(stream string) RedisOption {
	return func(p *RedisPublisher) {
		p.stream = stream
	}
}

func WithChannel(channel string) RedisOption {
	return func(p *RedisPublisher) {
		p.channel = channel
	}
}

// WithStreamMaxLen trims the stream approximately to n entries. Zero
// disables trimming.
func WithStreamMaxLen(n int64) RedisOption {
	return func(p *RedisPublisher) {
		p.maxLen = n
	}
}

func NewRedisPublisher(client goredis.UniversalClient, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		stream:  DefaultStream,
		channel: DefaultChannel,
		maxLen:  DefaultStreamLen,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DialRedis connects to addr and owns the connection; Close releases it.
func DialRedis(addr string, opts ...RedisOption) *RedisPublisher {
	p := NewRedisPublisher(goredis.NewClient(&goredis.Options{Addr: addr}), opts...)
	p.ownClient = true
	return p
}

func (p *RedisPublisher) Publish(ctx context.Context, evt TerminalEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return errors.Join(ErrRedisPublish, err)
	}

	pipe := p.client.TxPipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: map[string]interface{}{
			"workflow_id":   evt.WorkflowID,
			"run_id":        evt.RunID,
			"workflow_type": evt.WorkflowType,
			"state":         evt.State.String(),
			"duration_ms":   strconv.FormatInt(evt.DurationMs, 10),
			"error":         evt.Error,
			"mode":          string(evt.Mode),
			"at":            evt.At.Format(time.RFC3339Nano),
		},
	})
	if p.channel != "" {
		pipe.Publish(ctx, p.channel, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Join(ErrRedisPublish, fmt.Errorf("workflow %s: %w", evt.WorkflowID, err))
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if !p.ownClient {
		return nil
	}
	return p.client.Close()
}
