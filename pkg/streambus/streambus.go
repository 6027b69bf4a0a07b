package streambus

import (
	"context"
	"fmt"
	"time"

	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// indexKey is the sorted set of every job id that has ever published,
// scored by the time of its first publish, so the retention sweep can
// find history keys to drop without scanning the whole keyspace.
const indexKeySuffix = "task:ids"

// Bus is a Redis-backed Stream Bus client shared by every component
// that publishes or subscribes to job output.
type Bus struct {
	rdb      *redis.Client
	prefix   string
	stopword string
}

// New constructs a Bus. prefix and stopword come from PUBSUB_PREFIX and
// PUBSUB_STOPWORD.
func New(rdb *redis.Client, prefix, stopword string) *Bus {
	return &Bus{rdb: rdb, prefix: prefix, stopword: stopword}
}

func (b *Bus) channelKey(jobID string) string { return fmt.Sprintf("%s:%s", b.prefix, jobID) }
func (b *Bus) historyKey(jobID string) string { return fmt.Sprintf("%s:%s:history", b.prefix, jobID) }
func (b *Bus) indexKey() string               { return fmt.Sprintf("%s:%s", b.prefix, indexKeySuffix) }

// Stopword returns the configured end-of-stream sentinel.
func (b *Bus) Stopword() string { return b.stopword }

// Publish fans text out to any live subscriber on jobID's channel and
// appends it to the channel's replay history, matching
// AuroraConnection.publish(): a PUBLISH plus a ZADD, with the job id
// recorded into the retention index on its first publish.
func (b *Bus) Publish(ctx context.Context, jobID, text string) error {
	now := time.Now()

	pipe := b.rdb.TxPipeline()
	pipe.Publish(ctx, b.channelKey(jobID), text)
	pipe.ZAdd(ctx, b.historyKey(jobID), redis.Z{Score: float64(now.UnixMicro()), Member: text})
	pipe.ZAddNX(ctx, b.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PublishIndices writes the job's channel and history key names into
// its own stream as the very first message, so a caller that creates a
// job and immediately subscribes can recover the keys to watch even if
// it raced the Enqueue call (Job Queue §4.2).
func (b *Bus) PublishIndices(ctx context.Context, jobID string) error {
	return b.Publish(ctx, jobID, fmt.Sprintf("channel=%s history=%s", b.channelKey(jobID), b.historyKey(jobID)))
}

// Subscribe drains jobID's history, delivers it to the returned
// channel, then attaches a live subscription and forwards further
// messages until the stopword arrives or ctx is cancelled. The returned
// cancel func must be called to release the underlying Redis
// subscription.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan string, func(), error) {
	history, err := b.rdb.ZRangeByScore(ctx, b.historyKey(jobID), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("streambus: read history: %w", err)
	}

	sub := b.rdb.Subscribe(ctx, b.channelKey(jobID))
	live := sub.Channel()

	out := make(chan string, 64)
	metrics.StreamSubscribersActive.Inc()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer metrics.StreamSubscribersActive.Dec()
		defer sub.Close()

		for _, msg := range history {
			if msg == b.stopword {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case m, ok := <-live:
				if !ok {
					return
				}
				if m.Payload == b.stopword {
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// SweepHistory implements the daily retention job (clean_pubsub_history):
// every job id indexed with a score older than olderThan has its
// history key dropped, then the index itself is trimmed.
func (b *Bus) SweepHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-olderThan).UnixMilli())

	ids, err := b.rdb.ZRangeByScore(ctx, b.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("streambus: list expired job ids: %w", err)
	}

	var removed int64
	for _, id := range ids {
		n, err := b.rdb.Del(ctx, b.historyKey(id)).Result()
		if err != nil {
			log.Logger.Error().Err(err).Str("job_id", id).Msg("streambus: failed to delete history key")
			continue
		}
		removed += n
	}

	trimmed, err := b.rdb.ZRemRangeByScore(ctx, b.indexKey(), "-inf", cutoff).Result()
	if err != nil {
		return removed, fmt.Errorf("streambus: trim index: %w", err)
	}

	log.Logger.Info().Int64("history_keys_removed", removed).Int64("ids_trimmed", trimmed).Msg("stream bus retention sweep complete")
	return removed, nil
}
