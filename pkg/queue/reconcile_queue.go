// Package queue carries reconciliation jobs on a Redis stream. Every paid
// unlock enqueues one job; a worker re-verifies the payment proof and the
// attribution record on-chain and flags records that no longer match.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusMismatch   = "mismatch"
)

// Job is one reconciliation unit: an unlock record key plus its claimed
// payment proof.
type Job struct {
	ID              string    `json:"id"`
	UserAddress     string    `json:"userAddress"`
	BookID          string    `json:"bookId"`
	ChapterNumber   int       `json:"chapterNumber"`
	TransactionHash string    `json:"transactionHash"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ReconcileQueue is a Redis-stream backed job queue with consumer groups,
// pending-claim recovery and bounded retries.
type ReconcileQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	once         sync.Once
}

// Config configures a ReconcileQueue.
type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
}

// New creates a ReconcileQueue connected to Redis.
func New(cfg Config) (*ReconcileQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "storyhouse:reconcile"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "reconcilers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &ReconcileQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
	}, nil
}

// Enqueue records a new reconciliation job for an unlock record.
func (q *ReconcileQueue) Enqueue(ctx context.Context, userAddress, bookID string, chapterNumber int, txHash string) (Job, error) {
	if strings.TrimSpace(userAddress) == "" || strings.TrimSpace(bookID) == "" {
		return Job{}, errors.New("userAddress and bookId required")
	}
	job := Job{
		ID:              uuid.NewString(),
		UserAddress:     userAddress,
		BookID:          bookID,
		ChapterNumber:   chapterNumber,
		TransactionHash: txHash,
		Status:          StatusQueued,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(job),
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob returns the stored status of a job.
func (q *ReconcileQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches consumer goroutines that run handler for each job.
// A handler error marks the job as a mismatch once retries are exhausted.
func (q *ReconcileQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, Job) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *ReconcileQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// best-effort; errors will surface on consume
		}
	})
}

func (q *ReconcileQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *ReconcileQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *ReconcileQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Job) error) {
	job, ok := jobFromValues(msg.Values)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, job)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		_ = q.markStatus(ctx, job.ID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	} else if job.Attempts >= q.maxRetries {
		_ = q.markStatus(ctx, job.ID, StatusMismatch, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.markStatus(ctx, job.ID, StatusQueued, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, job)
}

func (q *ReconcileQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *ReconcileQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(job),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *ReconcileQueue) markProcessing(ctx context.Context, job Job) (Job, error) {
	stored, ok, err := q.GetJob(ctx, job.ID)
	if err != nil {
		return Job{}, err
	}
	if ok {
		job.Attempts = stored.Attempts
		job.CreatedAt = stored.CreatedAt
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *ReconcileQueue) markStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *ReconcileQueue) writeStatus(ctx context.Context, job Job) error {
	payload := map[string]any{
		"userAddress": job.UserAddress,
		"bookId":      job.BookID,
		"chapter":     strconv.Itoa(job.ChapterNumber),
		"txHash":      job.TransactionHash,
		"status":      job.Status,
		"error":       job.ErrorMessage,
		"attempts":    strconv.Itoa(job.Attempts),
		"createdAt":   job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":   job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, q.jobKey(job.ID), payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, q.jobKey(job.ID), q.jobTTL).Err()
	return nil
}

func (q *ReconcileQueue) jobKey(jobID string) string {
	return fmt.Sprintf("reconcile:%s:%s", q.stream, jobID)
}

func jobValues(job Job) map[string]any {
	return map[string]any{
		"job_id":  job.ID,
		"user":    job.UserAddress,
		"book_id": job.BookID,
		"chapter": strconv.Itoa(job.ChapterNumber),
		"tx_hash": job.TransactionHash,
	}
}

func jobFromValues(values map[string]any) (Job, bool) {
	id, _ := values["job_id"].(string)
	user, _ := values["user"].(string)
	bookID, _ := values["book_id"].(string)
	chapterRaw, _ := values["chapter"].(string)
	txHash, _ := values["tx_hash"].(string)
	if id == "" || user == "" || bookID == "" {
		return Job{}, false
	}
	chapter, err := strconv.Atoi(chapterRaw)
	if err != nil || chapter < 1 {
		return Job{}, false
	}
	return Job{
		ID:              id,
		UserAddress:     user,
		BookID:          bookID,
		ChapterNumber:   chapter,
		TransactionHash: txHash,
	}, true
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{ID: jobID}
	job.UserAddress = data["userAddress"]
	job.BookID = data["bookId"]
	job.TransactionHash = data["txHash"]
	job.Status = data["status"]
	job.ErrorMessage = data["error"]
	if v := data["chapter"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.ChapterNumber = n
		}
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
