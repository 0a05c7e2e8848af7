package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/faultline/pkg/models"
)

func TestBackfill(t *testing.T) {
	done := "already"
	stack := "at main (main.go)"
	groups := []*models.ErrorGroup{
		{ID: "g1", RawMessage: "boom", RawStack: &stack},
		{ID: "g2", RawMessage: "bang"},
		{ID: "g3", RawMessage: "done", AISuggestion: &done},
	}

	analyzer := &fakeAnalyzer{}
	store := &fakeSuggestions{saved: map[string]string{"g2": "earlier"}}

	res, err := Backfill(context.Background(), analyzer, store, groups, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, BackfillResult{Stored: 1, Skipped: 1}, res)
	assert.Equal(t, "fix g1", store.saved["g1"])
	assert.Equal(t, "earlier", store.saved["g2"])

	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()
	assert.Len(t, analyzer.calls, 2)
	for _, c := range analyzer.calls {
		if c.GroupID == "g1" {
			require.NotNil(t, c.Stack)
			assert.Equal(t, stack, *c.Stack)
		}
	}
}

func TestBackfill_CountsFailures(t *testing.T) {
	groups := []*models.ErrorGroup{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	analyzer := &fakeAnalyzer{err: errors.New("analyzer down")}

	res, err := Backfill(context.Background(), analyzer, &fakeSuggestions{}, groups, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
}

func TestBackfill_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Backfill(ctx, &fakeAnalyzer{}, &fakeSuggestions{}, []*models.ErrorGroup{{ID: "a"}}, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
