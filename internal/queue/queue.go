// Package queue is a thin job layer over Kafka: JSON envelopes on named
// topics, consumed by a bounded worker pool with per-job retry/backoff and a
// dead-letter topic after exhaustion. Delivery is at-least-once; handlers
// must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Job struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	BackoffMS  int64           `json:"backoff_ms"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

type JobOptions struct {
	Attempts int           // max handler attempts per delivery
	Backoff  time.Duration // initial backoff between attempts
}

// Handler processes one job payload. Returning a backoff.PermanentError stops
// retries for that delivery.
type Handler func(ctx context.Context, payload []byte) error

type Queue struct {
	brokers  []string
	dlqTopic string
	logger   *zap.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func New(brokers []string, dlqTopic string, logger *zap.Logger) *Queue {
	return &Queue{
		brokers:  brokers,
		dlqTopic: dlqTopic,
		logger:   logger,
		writers:  make(map[string]*kafka.Writer),
	}
}

func (q *Queue) writer(topic string) *kafka.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w, ok := q.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(q.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	q.writers[topic] = w
	return w
}

// AddJob enqueues a named job onto the topic. The message key is the job
// name so related jobs stay ordered within a partition.
func (q *Queue) AddJob(ctx context.Context, topic, name string, payload any, opts JobOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	job := Job{
		Name:       name,
		Payload:    raw,
		Attempts:   opts.Attempts,
		BackoffMS:  opts.Backoff.Milliseconds(),
		EnqueuedAt: time.Now(),
	}
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}

	if err := q.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(name),
		Value: value,
	}); err != nil {
		return fmt.Errorf("enqueue job %s/%s: %w", topic, name, err)
	}

	q.logger.Info("job enqueued", zap.String("topic", topic), zap.String("name", name))
	return nil
}

// ProcessJobs consumes the topic with the given concurrency, dispatching jobs
// matching name to handler. Blocks until ctx is cancelled.
//
// Kafka offset commits are watermarks: committing N+1 implicitly commits N.
// Workers finish out of order, so commits go through a per-partition tracker
// and only the highest offset whose predecessors are all done is committed.
func (q *Queue) ProcessJobs(ctx context.Context, topic, name string, handler Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: q.brokers,
		Topic:   topic,
		GroupID: topic + "-workers",
	})
	defer r.Close()

	tracker := newCommitTracker()
	msgs := make(chan kafka.Message)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for m := range msgs {
				q.handleMessage(ctx, id, name, handler, m)
				commit, ok := tracker.Done(m.Partition, m.Offset)
				if !ok {
					// An earlier message on this partition is still in
					// flight; its worker commits for both.
					continue
				}
				m.Offset = commit
				if err := r.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
					q.logger.Error("commit failed", zap.Error(err))
				}
			}
		}(i)
	}

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			q.logger.Error("kafka fetch error", zap.Error(err))
			continue
		}
		tracker.Fetched(m.Partition, m.Offset)
		select {
		case msgs <- m:
		case <-ctx.Done():
			close(msgs)
			wg.Wait()
			return
		}
	}

	close(msgs)
	wg.Wait()
}

// commitTracker computes the per-partition commit watermark for the worker
// pool. Fetched offsets arrive in order per partition; Done marks one
// finished and reports the newest offset safe to commit, which is the last
// of the leading run of finished messages.
type commitTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionProgress
}

type partitionProgress struct {
	pending []int64 // fetched, not yet committable, in fetch order
	done    map[int64]bool
}

func newCommitTracker() *commitTracker {
	return &commitTracker{parts: make(map[int]*partitionProgress)}
}

func (t *commitTracker) Fetched(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[partition]
	if p == nil {
		p = &partitionProgress{done: make(map[int64]bool)}
		t.parts[partition] = p
	}
	p.pending = append(p.pending, offset)
}

// Done reports the highest offset on the partition whose predecessors have
// all finished. ok is false while an earlier message is still in flight.
func (t *commitTracker) Done(partition int, offset int64) (commit int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[partition]
	if p == nil {
		return 0, false
	}
	p.done[offset] = true
	for len(p.pending) > 0 && p.done[p.pending[0]] {
		commit = p.pending[0]
		ok = true
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
	}
	return commit, ok
}

func (q *Queue) handleMessage(ctx context.Context, workerID int, name string, handler Handler, m kafka.Message) {
	var job Job
	if err := json.Unmarshal(m.Value, &job); err != nil {
		q.logger.Error("malformed job envelope, dropping", zap.Error(err))
		return
	}
	if job.Name != name {
		return
	}

	attempts := job.Attempts
	if attempts < 1 {
		attempts = 1
	}
	initial := time.Duration(job.BackoffMS) * time.Millisecond
	if initial <= 0 {
		initial = time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial

	start := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, handler(ctx, job.Payload)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(attempts)))

	if err != nil {
		q.logger.Error("job failed after retries",
			zap.Int("worker", workerID),
			zap.String("name", job.Name),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		q.deadLetter(ctx, job, err)
		return
	}

	q.logger.Info("job processed",
		zap.Int("worker", workerID),
		zap.String("name", job.Name),
		zap.Duration("took", time.Since(start)),
	)
}

func (q *Queue) deadLetter(ctx context.Context, job Job, cause error) {
	if q.dlqTopic == "" {
		return
	}

	envelope := struct {
		Job   Job    `json:"job"`
		Error string `json:"error"`
	}{Job: job, Error: cause.Error()}

	value, err := json.Marshal(envelope)
	if err != nil {
		q.logger.Error("marshal dead letter", zap.Error(err))
		return
	}
	if err := q.writer(q.dlqTopic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.Name),
		Value: value,
	}); err != nil {
		q.logger.Error("dead letter write failed", zap.Error(err))
	}
}
