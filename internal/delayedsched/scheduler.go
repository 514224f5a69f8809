// Package delayedsched implements the delayed scheduler (C5): a "timer
// wheel" built on a Redis stream that re-injects jobs into the main queue
// once their run_at has passed.
package delayedsched

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/beam/gpuctl/internal/metrics"
	"github.com/beam/gpuctl/internal/model"
	"github.com/beam/gpuctl/internal/queue"
	"github.com/beam/gpuctl/internal/schema"
	"github.com/beam/gpuctl/internal/store"
)

// Group is the single consumer group name; the scheduler is horizontally
// scalable by adding more consumers to it. FIFO across consumers is not
// guaranteed.
const Group = "delay-scheduler"

const batchSize = 10

// Scheduler polls the delayed stream and re-injects entries whose
// run_at_ms has passed.
type Scheduler struct {
	st         *store.Store
	consumerID string
	blockMs    int64
	log        zerolog.Logger
	nowFunc    func() int64
}

// New wires a Scheduler. consumerID distinguishes this process within
// the shared Group when running multiple instances.
func New(st *store.Store, consumerID string, blockMs int64, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		st:         st,
		consumerID: consumerID,
		blockMs:    blockMs,
		log:        logger.With().Str("component", "delayed_scheduler").Str("consumer_id", consumerID).Logger(),
		nowFunc:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	client := s.st.Redis()
	if err := queue.EnsureGroup(ctx, client, schema.DelayedQueueKey(), Group); err != nil {
		return err
	}

	s.log.Info().Msg("delayed scheduler listening")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, err := queue.ReadBatch(ctx, client, schema.DelayedQueueKey(), Group, s.consumerID, s.blockMs, batchSize)
		if err != nil && !errors.Is(err, queue.ErrNoMessages) {
			s.log.Error().Err(err).Msg("delayed stream read failed")
			continue
		}
		// ">" reads never return an entry twice, so this consumer's whole
		// pending list ("0"), including entries left unready on earlier
		// passes, is re-read and checked on every pass.
		streams, err := client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group: Group, Consumer: s.consumerID, Streams: []string{schema.DelayedQueueKey(), "0"}, Block: -1,
		}).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			s.log.Error().Err(err).Msg("delayed pending read failed")
		}
		if err != nil || len(streams) == 0 {
			continue
		}

		now := s.nowFunc()
		for _, msg := range streams[0].Messages {
			tenantID, _ := msg.Values["tenant_id"].(string)
			jobID, _ := msg.Values["job_id"].(string)
			runAtMs := parseInt(msg.Values["run_at_ms"])

			if runAtMs > now {
				// Not runnable yet: leave pending, it is re-read from the
				// pending list on the next pass and re-checked.
				continue
			}

			if err := queue.EnqueueJob(ctx, client, schema.QueueKey(), model.QueueMessage{TenantID: tenantID, JobID: jobID}); err != nil {
				s.log.Error().Err(err).Str("job_id", jobID).Msg("failed to reinject delayed job")
				continue
			}
			if err := queue.Ack(ctx, client, schema.DelayedQueueKey(), Group, msg.ID); err != nil {
				s.log.Error().Err(err).Str("job_id", jobID).Msg("failed to ack delayed message")
				continue
			}
			metrics.DelayedReinjected.Inc()
		}
	}
}

func parseInt(v interface{}) int64 {
	s, _ := v.(string)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
