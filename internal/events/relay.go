package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/paperless-ai/ocr-engine/internal/cache"
	"github.com/paperless-ai/ocr-engine/internal/observability"
)

// RedisRelay mirrors published events onto a pub/sub channel for
// out-of-process consumers. Forward never blocks; when the relay queue is
// full the event is dropped and logged.
type RedisRelay struct {
	pubsub  cache.PubSub
	channel string
	timeout time.Duration
	logger  *observability.Logger

	queue chan Event
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewRedisRelay starts a relay publishing to channel.
func NewRedisRelay(ps cache.PubSub, channel string, logger *observability.Logger) *RedisRelay {
	if channel == "" {
		channel = "ocr.events"
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	r := &RedisRelay{
		pubsub:  ps,
		channel: channel,
		timeout: 2 * time.Second,
		logger:  logger,
		queue:   make(chan Event, 1024),
		stop:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Forward queues ev for publication.
func (r *RedisRelay) Forward(ev Event) {
	select {
	case <-r.stop:
		return
	default:
	}

	select {
	case r.queue <- ev:
	default:
		r.logger.Warn().Uint64("event_id", ev.ID).Str("event_type", string(ev.Type)).Msg("Event relay queue full, dropping event")
	}
}

// Close stops the relay after draining queued events.
func (r *RedisRelay) Close() {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}

func (r *RedisRelay) run() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.queue:
			r.publish(ev)
		case <-r.stop:
			for {
				select {
				case ev := <-r.queue:
					r.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *RedisRelay) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to marshal relayed event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.pubsub.Publish(ctx, r.channel, data); err != nil {
		r.logger.Warn().Err(err).Str("channel", r.channel).Str("event_type", string(ev.Type)).Msg("Event relay publish failed")
	}
}

// SubscribeRelay follows events mirrored by a RedisRelay on channel. The
// event channel closes when ctx is done or the returned func is called.
func SubscribeRelay(ctx context.Context, ps cache.PubSub, channel string) (<-chan Event, func(), error) {
	if channel == "" {
		channel = "ocr.events"
	}
	msgs, unsubscribe, err := ps.Subscribe(ctx, channel)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(msg, &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, unsubscribe, nil
}

var _ Relay = (*RedisRelay)(nil)
