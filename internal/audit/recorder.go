package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"twofactor-service/internal/client"
	"twofactor-service/internal/model"
	"twofactor-service/internal/util"
)

const (
	bufferSize    = 4096
	flushInterval = 5 * time.Second
	flushBatch    = 500
)

const insertQuery = `INSERT INTO verification_attempts (user_id, outcome, attempted_at)`

// Recorder sinks verification attempts into ClickHouse in batches. Record is
// non-blocking: when the buffer is full the attempt is dropped with a warning
// rather than stalling the submit path.
type Recorder struct {
	clickhouse *client.ClickHouseClient
	attempts   chan *model.VerificationAttempt
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func NewRecorder(clickhouse *client.ClickHouseClient) *Recorder {
	r := &Recorder{
		clickhouse: clickhouse,
		attempts:   make(chan *model.VerificationAttempt, bufferSize),
		done:       make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

func (r *Recorder) Record(attempt *model.VerificationAttempt) {
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	select {
	case r.attempts <- attempt:
	default:
		util.Warn("Audit buffer full, dropping verification attempt",
			zap.String("user_id", attempt.UserID),
			zap.String("outcome", attempt.Outcome))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]*model.VerificationAttempt, 0, flushBatch)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		r.insert(pending)
		pending = pending[:0]
	}

	for {
		select {
		case attempt := <-r.attempts:
			pending = append(pending, attempt)
			if len(pending) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case attempt := <-r.attempts:
					pending = append(pending, attempt)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(attempts []*model.VerificationAttempt) {
	rows := make([][]interface{}, 0, len(attempts))
	for _, a := range attempts {
		rows = append(rows, []interface{}{a.UserID, a.Outcome, a.AttemptedAt})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := r.clickhouse.BatchInsert(ctx, insertQuery, rows); err != nil {
		util.Error("Failed to flush verification attempts",
			zap.Int("count", len(rows)),
			zap.Error(err))
		return
	}

	util.Debug("Verification attempts flushed", zap.Int("count", len(rows)))
}

// Close flushes buffered attempts and stops the background flusher.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// NopRecorder stands in when ClickHouse is unavailable.
type NopRecorder struct{}

func (NopRecorder) Record(attempt *model.VerificationAttempt) {}
