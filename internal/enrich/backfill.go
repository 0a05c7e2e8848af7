package enrich

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thebtf/faultline/pkg/models"
)

// BackfillResult counts the outcomes of a Backfill run.
type BackfillResult struct {
	Stored  int
	Skipped int
	Failed  int
}

// Backfill analyzes groups that were never enriched, at most concurrency at a
// time. Individual failures are counted, not returned; the error is non-nil
// only when ctx is cancelled.
func Backfill(ctx context.Context, analyzer Analyzer, store SuggestionStore, groups []*models.ErrorGroup, concurrency int, timeout time.Duration) (BackfillResult, error) {
	if concurrency <= 0 {
		concurrency = defaultWorkers
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	var (
		mu  sync.Mutex
		res BackfillResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, group := range groups {
		if group.AISuggestion != nil {
			continue
		}
		job := Job{GroupID: group.ID, Message: group.RawMessage, Stack: group.RawStack}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			jobCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			outcome := runJob(jobCtx, analyzer, store, job, time.Now)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeStored:
				res.Stored++
			case OutcomeSkipped:
				res.Skipped++
			default:
				res.Failed++
			}
			return nil
		})
	}

	err := g.Wait()
	return res, err
}
