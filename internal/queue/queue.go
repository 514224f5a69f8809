// Package queue wraps the Redis Streams primitives shared by the worker
// loop, the delayed scheduler, and the PEL reaper: consumer-group setup,
// blocking reads, acknowledgement, and idle-entry reclamation.
//
// None of this package touches job/quota/lease state directly — it only
// moves stream entries. State mutation stays inside internal/store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/beam/gpuctl/internal/model"
)

// EnsureGroup creates a consumer group at the start of the stream,
// creating the stream itself (MKSTREAM) if it does not exist yet.
// Safe to call on every startup: BUSYGROUP from an existing group is not
// an error.
func EnsureGroup(ctx context.Context, client *redis.Client, streamKey, group string) error {
	err := client.XGroupCreateMkStream(ctx, streamKey, group, "0-0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("xgroup create %s/%s: %w", streamKey, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// EnqueueJob appends a {tenant_id, job_id} tuple to the main job stream.
func EnqueueJob(ctx context.Context, client *redis.Client, streamKey string, msg model.QueueMessage) error {
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"tenant_id": msg.TenantID,
			"job_id":    msg.JobID,
		},
	}).Err()
}

// EnqueueDelayed appends a {tenant_id, job_id, run_at_ms} tuple to the
// delayed stream.
func EnqueueDelayed(ctx context.Context, client *redis.Client, streamKey string, msg model.DelayedMessage) error {
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"tenant_id":  msg.TenantID,
			"job_id":     msg.JobID,
			"run_at_ms":  strconv.FormatInt(msg.RunAtMs, 10),
		},
	}).Err()
}

// ErrNoMessages is returned by ReadOne/ReadBatch when the block window
// elapsed without new deliveries.
var ErrNoMessages = errors.New("queue: no messages")

// ReadOne blocks up to blockMs for a single new delivery to consumer
// within group on streamKey, using the ">" cursor (deliver only
// never-yet-delivered entries).
func ReadOne(ctx context.Context, client *redis.Client, streamKey, group, consumer string, blockMs int64) (redis.XMessage, error) {
	msgs, err := readBatch(ctx, client, streamKey, group, consumer, blockMs, 1)
	if err != nil {
		return redis.XMessage{}, err
	}
	return msgs[0], nil
}

// ReadBatch blocks up to blockMs for up to count new deliveries.
func ReadBatch(ctx context.Context, client *redis.Client, streamKey, group, consumer string, blockMs int64, count int64) ([]redis.XMessage, error) {
	return readBatch(ctx, client, streamKey, group, consumer, blockMs, count)
}

func readBatch(ctx context.Context, client *redis.Client, streamKey, group, consumer string, blockMs int64, count int64) ([]redis.XMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()

	if err == redis.Nil {
		return nil, ErrNoMessages
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", streamKey, group, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, ErrNoMessages
	}
	return streams[0].Messages, nil
}

// Ack acknowledges a delivered message, removing it from the group's PEL.
func Ack(ctx context.Context, client *redis.Client, streamKey, group, msgID string) error {
	return client.XAck(ctx, streamKey, group, msgID).Err()
}

// ClaimedEntry is a stream entry reclaimed from the PEL by AutoClaim.
type ClaimedEntry struct {
	MessageID string
	TenantID  string
	JobID     string
}

// AutoClaim reclaims up to count entries idle for at least minIdleMs in
// group on streamKey, handing their ownership to consumer. Used by the
// PEL reaper.
func AutoClaim(ctx context.Context, client *redis.Client, streamKey, group, consumer string, minIdleMs int64, count int64) ([]ClaimedEntry, error) {
	_, msgs, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", streamKey, group, err)
	}

	entries := make([]ClaimedEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, ClaimedEntry{
			MessageID: m.ID,
			TenantID:  fmt.Sprint(m.Values["tenant_id"]),
			JobID:     fmt.Sprint(m.Values["job_id"]),
		})
	}
	return entries, nil
}
