package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/hookscale/internal/logger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	channelPrefix  = "progress:"
	publishTimeout = 2 * time.Second
)

// Channel returns the Redis channel carrying events for jobID.
func Channel(jobID uuid.UUID) string {
	return channelPrefix + jobID.String()
}

// RedisRelay publishes events to Redis so any API process can stream a run
// executing in a worker process.
type RedisRelay struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{
		client: client,
		log:    logger.Component("progress"),
	}
}

// Publish sends e on the job's channel. Failures are logged, never returned.
func (r *RedisRelay) Publish(jobID uuid.UUID, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode progress event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, Channel(jobID), payload).Err(); err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID.String()).Str("status", e.Status).Msg("failed to publish progress event")
	}
}

// Forward relays every job's events from Redis into hub until ctx ends.
func (r *RedisRelay) Forward(ctx context.Context, hub *Hub) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to progress channels: %w", err)
	}

	r.log.Info().Msg("forwarding progress events from redis")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			jobID, e, err := decodeMessage(msg.Channel, msg.Payload)
			if err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed progress message")
				continue
			}
			hub.Publish(jobID, e)
		}
	}
}

func decodeMessage(channel, payload string) (uuid.UUID, Event, error) {
	jobID, err := uuid.Parse(strings.TrimPrefix(channel, channelPrefix))
	if err != nil {
		return uuid.Nil, Event{}, fmt.Errorf("invalid job id in channel: %w", err)
	}

	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return uuid.Nil, Event{}, fmt.Errorf("invalid event payload: %w", err)
	}
	return jobID, e, nil
}

// Writer prints events as JSON lines. Used by the one-shot CLI run.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

type line struct {
	JobID uuid.UUID `json:"job_id"`
	Event
}

func (w *Writer) Publish(jobID uuid.UUID, e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(line{JobID: jobID, Event: e})
}
