package federation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"joingate/service/metrics"
	"joingate/tools/ids"
	"joingate/tools/safe"
)

// Action is applied to one target chat.
type Action func(ctx context.Context, chatID int64) error

// Result is the aggregate of one fan-out. FailedChatIDs keeps the order the
// targets were given in.
type Result struct {
	BatchID       int64   `json:"batch_id"`
	SuccessCount  int     `json:"success_count"`
	FailedChatIDs []int64 `json:"failed_chat_ids"`
}

func (r Result) FailedCount() int { return len(r.FailedChatIDs) }

type fanoutJob struct {
	idx    int
	chatID int64
}

// Executor applies an action to many chats with a bounded number of workers.
// A failing target never stops the others.
type Executor struct {
	workers int
	metrics *metrics.Metrics
	log     *zap.Logger
}

type ExecutorOption func(*Executor)

func WithLogger(log *zap.Logger) ExecutorOption { return func(e *Executor) { e.log = log } }

func WithMetrics(m *metrics.Metrics) ExecutorOption { return func(e *Executor) { e.metrics = m } }

func NewExecutor(workers int, opts ...ExecutorOption) *Executor {
	if workers < 1 {
		workers = 1
	}
	e := &Executor{workers: workers, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dedupe drops repeated ids, keeping first occurrences in order.
func Dedupe(targets []int64) []int64 {
	seen := make(map[int64]struct{}, len(targets))
	out := make([]int64, 0, len(targets))
	for _, id := range targets {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ApplyToAll runs action once per distinct target. A cancelled ctx marks the
// targets not yet started as failed.
func (e *Executor) ApplyToAll(ctx context.Context, targets []int64, action Action) Result {
	chats := Dedupe(targets)
	res := Result{BatchID: ids.Generate(), FailedChatIDs: []int64{}}
	if len(chats) == 0 {
		return res
	}

	failed := make([]error, len(chats))
	jobs := make(chan fanoutJob)
	workers := min(e.workers, len(chats))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := ctx.Err(); err != nil {
					failed[job.idx] = err
					continue
				}
				failed[job.idx] = safe.Call(func() error { return action(ctx, job.chatID) })
			}
		}()
	}
	for i, chat := range chats {
		jobs <- fanoutJob{idx: i, chatID: chat}
	}
	close(jobs)
	wg.Wait()

	for i, err := range failed {
		if err == nil {
			res.SuccessCount++
			continue
		}
		res.FailedChatIDs = append(res.FailedChatIDs, chats[i])
		e.log.Warn("fan-out target failed",
			zap.Int64("batch_id", res.BatchID), zap.Int64("chat_id", chats[i]), zap.Error(err))
	}
	e.metrics.FanoutResult(res.SuccessCount, len(res.FailedChatIDs))
	if len(res.FailedChatIDs) > 0 {
		e.log.Info("fan-out finished with failures",
			zap.Int64("batch_id", res.BatchID),
			zap.Int("ok", res.SuccessCount),
			zap.Int("failed", len(res.FailedChatIDs)))
	}
	return res
}
