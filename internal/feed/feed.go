package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/consensus"
)

// Pub/sub channels.
const (
	ChannelFills    = "hivemind.fills"
	ChannelScores   = "hivemind.scores"
	ChannelSignals  = "hivemind.signals"
	ChannelOutcomes = "hivemind.outcomes"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Score is a per-trader weight published by an external scorer.
type Score struct {
	Trader string  `json:"trader"`
	Score  float64 `json:"score"`
}

// Outcome is the closed-position event published for downstream scorers.
type Outcome struct {
	DecisionID int64     `json:"decision_id"`
	PnL        float64   `json:"pnl"`
	RMultiple  float64   `json:"r_multiple"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Feed is the Redis-backed fill intake and signal/outcome outlet.
type Feed struct {
	client *redis.Client
	log    zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Feed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Feed{
		client: client,
		log:    logger.With().Str("component", "feed").Logger(),
	}, nil
}

// Close releases the Redis connection.
func (f *Feed) Close() error {
	return f.client.Close()
}

// ConsumeFills subscribes to the fill channel and hands each decoded fill
// to the handler until the context ends. Malformed messages are logged and
// dropped.
func (f *Feed) ConsumeFills(ctx context.Context, handler func(context.Context, consensus.Fill)) error {
	sub := f.client.Subscribe(ctx, ChannelFills)
	defer sub.Close()

	ch := sub.Channel()
	f.log.Info().Str("channel", ChannelFills).Msg("fill consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("fill subscription closed")
			}
			var fill consensus.Fill
			if err := json.Unmarshal([]byte(msg.Payload), &fill); err != nil {
				f.log.Warn().Err(err).Msg("malformed fill dropped")
				continue
			}
			handler(ctx, fill)
		}
	}
}

// ConsumeScores subscribes to the trader-score channel. Scores are
// optional; when no scorer publishes, vote weights stay size-derived.
func (f *Feed) ConsumeScores(ctx context.Context, handler func(context.Context, Score)) error {
	sub := f.client.Subscribe(ctx, ChannelScores)
	defer sub.Close()

	ch := sub.Channel()
	f.log.Info().Str("channel", ChannelScores).Msg("score consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("score subscription closed")
			}
			var s Score
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				f.log.Warn().Err(err).Msg("malformed score dropped")
				continue
			}
			handler(ctx, s)
		}
	}
}

// PublishSignal satisfies consensus.SignalPublisher.
func (f *Feed) PublishSignal(ctx context.Context, s *consensus.Signal) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, ChannelSignals, payload).Err()
}

// PublishOutcome announces a closed position.
func (f *Feed) PublishOutcome(ctx context.Context, o Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, ChannelOutcomes, payload).Err()
}
