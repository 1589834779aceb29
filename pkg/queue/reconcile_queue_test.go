package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestEnqueueWritesStatusAndStreamEntry(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, "0xuser", "0xauthor/my-book", 5, "0xdeadbeef")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("job status = %q, want %q", job.Status, StatusQueued)
	}

	stored, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if stored.BookID != "0xauthor/my-book" || stored.ChapterNumber != 5 || stored.TransactionHash != "0xdeadbeef" {
		t.Fatalf("stored job = %+v", stored)
	}

	length, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if length != 1 {
		t.Fatalf("stream length = %d, want 1", length)
	}
}

func TestRequeueAndAckSuccess(t *testing.T) {
	q, ctx := newTestQueue(t)
	msgID, job := newPendingMessage(t, q, ctx)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got, ok := jobFromValues(streams[0].Messages[0].Values)
	if !ok {
		t.Fatalf("requeued payload not decodable: %+v", streams[0].Messages[0].Values)
	}
	if got.ID != job.ID || got.TransactionHash != job.TransactionHash || got.ChapterNumber != job.ChapterNumber {
		t.Fatalf("unexpected requeued payload: %+v", got)
	}
}

func TestRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx := newTestQueue(t)
	msgID, job := newPendingMessage(t, q, ctx)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
}

func newTestQueue(t *testing.T) (*ReconcileQueue, context.Context) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := New(Config{
		Addr:       redisSrv.Addr(),
		Stream:     "test:reconcile",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

func newPendingMessage(t *testing.T, q *ReconcileQueue, ctx context.Context) (string, Job) {
	t.Helper()
	job, err := q.Enqueue(ctx, "0xuser", "0xauthor/my-book", 5, "0xdeadbeef")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return streams[0].Messages[0].ID, job
}
