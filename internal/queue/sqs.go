// Package queue ships routing decisions to an SQS audit queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/felipepmaragno/ai-router/internal/router"
)

// maxBatch is the SQS SendMessageBatch entry limit.
const maxBatch = 10

const DefaultBufferSize = 1000

// BatchAPI is the subset of the SQS client used here.
type BatchAPI interface {
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// AuditQueue buffers decision records and flushes them to SQS in batches.
// Audit never blocks; when the buffer is full new records are dropped.
type AuditQueue struct {
	client   BatchAPI
	queueURL string
	limit    int

	mu      sync.Mutex
	pending []router.HistoryEntry
	dropped int64
}

func NewAuditQueue(ctx context.Context, region, queueURL string) (*AuditQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewAuditQueueWithClient(sqs.NewFromConfig(cfg), queueURL, DefaultBufferSize), nil
}

func NewAuditQueueWithClient(client BatchAPI, queueURL string, bufferSize int) *AuditQueue {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &AuditQueue{
		client:   client,
		queueURL: queueURL,
		limit:    bufferSize,
	}
}

func (q *AuditQueue) Audit(ctx context.Context, e router.HistoryEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.limit {
		q.dropped++
		return
	}
	q.pending = append(q.pending, e)
}

func (q *AuditQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *AuditQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Flush sends everything buffered so far. Entries SQS rejects are not retried.
func (q *AuditQueue) Flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	sent := 0
	var errs []error
	for start := 0; start < len(batch); start += maxBatch {
		end := min(start+maxBatch, len(batch))
		n, err := q.send(ctx, batch[start:end])
		sent += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return sent, errors.Join(errs...)
}

func (q *AuditQueue) send(ctx context.Context, entries []router.HistoryEntry) (int, error) {
	input := &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(q.queueURL),
		Entries:  make([]types.SendMessageBatchRequestEntry, 0, len(entries)),
	}

	for i, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			slog.Warn("failed to marshal decision record", "decision_id", e.DecisionID, "error", err)
			continue
		}
		input.Entries = append(input.Entries, types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"Provider": {
					DataType:    aws.String("String"),
					StringValue: aws.String(e.Provider),
				},
				"DecisionID": {
					DataType:    aws.String("String"),
					StringValue: aws.String(e.DecisionID),
				},
			},
		})
	}
	if len(input.Entries) == 0 {
		return 0, nil
	}

	out, err := q.client.SendMessageBatch(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}

	for _, f := range out.Failed {
		slog.Warn("audit record rejected",
			"entry", aws.ToString(f.Id),
			"code", aws.ToString(f.Code),
			"message", aws.ToString(f.Message),
		)
	}
	return len(out.Successful), nil
}

// Run flushes every interval until ctx is cancelled, then makes a final
// flush bounded by the interval.
func (q *AuditQueue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			q.flushAndLog(fctx)
			cancel()
			return
		case <-ticker.C:
			q.flushAndLog(ctx)
		}
	}
}

func (q *AuditQueue) flushAndLog(ctx context.Context) {
	sent, err := q.Flush(ctx)
	metrics.RecordJobRun("audit_flush", err)
	if err != nil {
		slog.Warn("audit flush failed", "sent", sent, "error", err)
		return
	}
	if sent > 0 {
		slog.Debug("flushed audit records", "sent", sent)
	}
}
