package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"roster-pipeline/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cfg := config.Default()
	cfg.RedisAddr = mr.Addr()
	cfg.VisibilityTimeout = time.Minute
	client := NewRedisClient(cfg)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, cfg), mr
}

func TestResumeDequeuedBeforeRun(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	run, err := q.Enqueue(ctx, Task{JobID: "job-a", Kind: KindRun}, time.Now())
	if err != nil {
		t.Fatalf("enqueue run: %v", err)
	}
	resume, err := q.Enqueue(ctx, Task{JobID: "job-b", Kind: KindResume, VersionID: "v-1", FromStage: "validate"}, time.Now())
	if err != nil {
		t.Fatalf("enqueue resume: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("expected depth 2 got %d", depth)
	}

	first, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if first.ID != resume.ID || first.VersionID != "v-1" || first.FromStage != "validate" {
		t.Fatalf("expected resume task first, got %+v", first)
	}
	second, ok, _ := q.DequeueWithLease(ctx)
	if !ok || second.ID != run.ID {
		t.Fatalf("expected run task second, got %+v", second)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatalf("queue should be empty")
	}

	if err := q.Ack(ctx, first); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != run.ID {
		t.Fatalf("expected only the unacked run to be reclaimed, got %v", reclaimed)
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), Task{JobID: "job-a", Kind: "rerun"}, time.Now()); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
	if _, err := q.Enqueue(context.Background(), Task{Kind: KindRun}, time.Now()); err == nil {
		t.Fatalf("expected missing job id to be rejected")
	}
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	task, err := q.Enqueue(ctx, Task{JobID: "job-a", Kind: KindRun}, time.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, ok, _ := q.DequeueWithLease(ctx)
	if !ok {
		t.Fatalf("expected a task")
	}
	leased.Attempts = 1
	leased.LastError = "redis down"
	runAt := time.Now().Add(time.Hour)
	if err := q.Schedule(ctx, leased, runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if n, _ := q.PromoteScheduled(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("nothing should be due yet, promoted %d", n)
	}
	if reclaimed, _ := q.RequeueExpired(ctx, runAt.Add(time.Minute), 10); len(reclaimed) != 0 {
		t.Fatalf("scheduled task must have left inflight, reclaimed %v", reclaimed)
	}
	if n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10); err != nil || n != 1 {
		t.Fatalf("expected one promotion, got %d err=%v", n, err)
	}
	again, ok, _ := q.DequeueWithLease(ctx)
	if !ok || again.ID != task.ID || again.Attempts != 1 || again.LastError != "redis down" {
		t.Fatalf("retry payload not preserved: %+v", again)
	}
}

func TestCancelJobDropsItsTasks(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, Task{JobID: "job-a", Kind: KindRun}, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, Task{JobID: "job-a", Kind: KindResume, VersionID: "v"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}
	other, err := q.Enqueue(ctx, Task{JobID: "job-b", Kind: KindRun}, time.Now())
	if err != nil {
		t.Fatalf("enqueue other: %v", err)
	}

	n, err := q.CancelJob(ctx, "job-a")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 tasks removed, got %d err=%v", n, err)
	}
	if promoted, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); promoted != 0 {
		t.Fatalf("cancelled scheduled task was promoted")
	}
	got, ok, _ := q.DequeueWithLease(ctx)
	if !ok || got.ID != other.ID {
		t.Fatalf("expected only job-b to remain, got %+v", got)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatalf("queue should be empty after cancel")
	}
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, Task{JobID: "job-a", Kind: KindRun}, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, _, _ := q.DequeueWithLease(ctx)
	leased.Attempts = 5
	if err := q.DeadLetter(ctx, leased, "lock backend unavailable"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(items) != 1 || items[0].Task.ID != leased.ID || items[0].Reason != "lock backend unavailable" || items[0].Task.Attempts != 5 {
		t.Fatalf("unexpected dlq contents %+v", items)
	}
	if reclaimed, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(reclaimed) != 0 {
		t.Fatalf("dead-lettered task still in flight")
	}
}
