package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"mcphub/internal/directory"
	"mcphub/internal/dispatch"
	"mcphub/internal/domain"
	"mcphub/internal/registry"
)

// stubDispatcher records tasks straight into the registry without forwarding.
// Facets listed in unavailable are refused the way the real dispatcher refuses
// when no agent matches.
type stubDispatcher struct {
	reg         registry.Repository
	unavailable map[string]bool
}

func (s *stubDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (domain.Task, error) {
	if s.unavailable[req.Type] {
		return domain.Task{}, directory.ErrNoAgentAvailable
	}
	return s.reg.CreateTask(ctx, domain.Task{
		AgentID:    "agt_" + req.Type,
		BusinessID: req.BusinessID,
		Type:       req.Type,
		Params:     req.Params,
		Status:     domain.StatusPending,
	})
}

func newTestRegistry(t *testing.T) registry.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, registry.EnsureSchema(db))
	return registry.NewSQLiteRepo(db)
}

func completeTasks(t *testing.T, reg registry.Repository, businessID string, skip map[string]bool) {
	t.Helper()
	tasks, err := reg.ListTasks(context.Background(), registry.TaskFilter{BusinessID: businessID})
	require.NoError(t, err)
	for _, task := range tasks {
		if skip[task.Type] {
			continue
		}
		data, _ := json.Marshal(map[string]any{
			"recommendations": []string{"expand to " + task.Type + " channel"},
		})
		_, err := reg.ApplyResult(context.Background(), task.ID, domain.TaskResult{
			Status: domain.StatusCompleted,
			Output: &domain.TaskOutput{
				Text: task.Type + " analysis complete",
				Data: data,
			},
		})
		require.NoError(t, err)
	}
}

func TestRunAllFacetsComplete(t *testing.T) {
	reg := newTestRegistry(t)
	disp := &stubDispatcher{reg: reg}
	agg := New(disp, reg, WithPollInterval(10*time.Millisecond), WithTimeout(2*time.Second))

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		completeTasks(t, reg, "biz_1", nil)
	}()

	rep, err := agg.Run(context.Background(), Submission{
		BusinessID:   "biz_1",
		BusinessName: "Smoothie Hut",
		Location:     "Bangkok",
	})
	<-done
	require.NoError(t, err)

	assert.Len(t, rep.Sections, len(Facets))
	assert.Empty(t, rep.FallbackFacets)
	for _, s := range rep.Sections {
		assert.False(t, s.Fallback, s.Facet)
		assert.Equal(t, domain.StatusCompleted, s.Status, s.Facet)
		require.NotNil(t, s.Output, s.Facet)
	}
	assert.Len(t, rep.Recommendations, len(Facets))
}

func TestRunSlowFacetFallsBack(t *testing.T) {
	reg := newTestRegistry(t)
	disp := &stubDispatcher{reg: reg}
	agg := New(disp, reg, WithPollInterval(10*time.Millisecond), WithTimeout(300*time.Millisecond))

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		completeTasks(t, reg, "biz_2", map[string]bool{"analytics": true})
	}()

	rep, err := agg.Run(context.Background(), Submission{BusinessID: "biz_2", BusinessName: "Slowpoke Inc"})
	<-done
	require.NoError(t, err)

	assert.Equal(t, []string{"analytics"}, rep.FallbackFacets)
	for _, s := range rep.Sections {
		if s.Facet == "analytics" {
			assert.True(t, s.Fallback)
			require.NotNil(t, s.Output)
			assert.NotEmpty(t, s.Output.Text)
		} else {
			assert.False(t, s.Fallback, s.Facet)
		}
	}
	// Fallback sections contribute no recommendations.
	assert.Len(t, rep.Recommendations, len(Facets)-1)
}

func TestRunUnavailableFacetFallsBack(t *testing.T) {
	reg := newTestRegistry(t)
	disp := &stubDispatcher{reg: reg, unavailable: map[string]bool{"swot": true}}
	agg := New(disp, reg, WithPollInterval(10*time.Millisecond), WithTimeout(2*time.Second))

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		completeTasks(t, reg, "biz_3", nil)
	}()

	rep, err := agg.Run(context.Background(), Submission{BusinessID: "biz_3", BusinessName: "Gapco"})
	<-done
	require.NoError(t, err)
	assert.Equal(t, []string{"swot"}, rep.FallbackFacets)
}

func TestRunFailedTaskFallsBack(t *testing.T) {
	reg := newTestRegistry(t)
	disp := &stubDispatcher{reg: reg}
	agg := New(disp, reg, WithPollInterval(10*time.Millisecond), WithTimeout(2*time.Second))

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		tasks, err := reg.ListTasks(context.Background(), registry.TaskFilter{BusinessID: "biz_4"})
		require.NoError(t, err)
		for _, task := range tasks {
			status := domain.StatusCompleted
			errMsg := ""
			if task.Type == "financial" {
				status = domain.StatusFailed
				errMsg = "model quota exceeded"
			}
			_, err := reg.ApplyResult(context.Background(), task.ID, domain.TaskResult{
				Status:       status,
				Output:       &domain.TaskOutput{Text: task.Type},
				ErrorMessage: errMsg,
			})
			require.NoError(t, err)
		}
	}()

	rep, err := agg.Run(context.Background(), Submission{BusinessID: "biz_4", BusinessName: "Failcorp"})
	<-done
	require.NoError(t, err)
	assert.Equal(t, []string{"financial"}, rep.FallbackFacets)
}

func TestRunNoFacetsDispatched(t *testing.T) {
	reg := newTestRegistry(t)
	unavailable := map[string]bool{}
	for _, f := range Facets {
		unavailable[f] = true
	}
	agg := New(&stubDispatcher{reg: reg, unavailable: unavailable}, reg)

	_, err := agg.Run(context.Background(), Submission{BusinessID: "biz_5"})
	assert.ErrorIs(t, err, ErrNoFacets)
}

func TestRunRequiresBusinessID(t *testing.T) {
	reg := newTestRegistry(t)
	agg := New(&stubDispatcher{reg: reg}, reg)

	_, err := agg.Run(context.Background(), Submission{BusinessName: "Anonymous"})
	assert.Error(t, err)
}
