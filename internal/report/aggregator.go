// Package report aggregates per-facet agent analyses into a single business
// report. One task is dispatched per facet; completion is observed by polling
// the registry, keyed strictly by task id.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"mcphub/internal/dispatch"
	"mcphub/internal/domain"
	"mcphub/internal/registry"
)

// Facets are the analysis angles covered by a full report, one agent type per
// facet.
var Facets = []string{
	"strategic",
	"creative",
	"financial",
	"sales",
	"swot",
	"business_model",
	"analytics",
}

// ErrNoFacets means not a single facet task could be dispatched.
var ErrNoFacets = errors.New("no facet tasks could be dispatched")

// Submission describes the business under analysis.
type Submission struct {
	BusinessID   string   `json:"business_id"`
	BusinessName string   `json:"business_name"`
	Industry     string   `json:"industry,omitempty"`
	Location     string   `json:"location,omitempty"`
	Competitors  []string `json:"competitors,omitempty"`
	GrowthGoals  []string `json:"growth_goals,omitempty"`
}

// Section is one facet's contribution to the report. Fallback marks sections
// synthesized because the facet task never completed.
type Section struct {
	Facet    string             `json:"facet"`
	TaskID   string             `json:"task_id,omitempty"`
	Status   domain.TaskStatus  `json:"status"`
	Output   *domain.TaskOutput `json:"output,omitempty"`
	Fallback bool               `json:"fallback"`
}

type Report struct {
	BusinessID      string    `json:"business_id"`
	BusinessName    string    `json:"business_name"`
	GeneratedAt     time.Time `json:"generated_at"`
	Sections        []Section `json:"sections"`
	Recommendations []string  `json:"overall_recommendations"`
	FallbackFacets  []string  `json:"fallback_facets,omitempty"`
}

// TaskDispatcher is the slice of the dispatcher the aggregator needs.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (domain.Task, error)
}

type Aggregator struct {
	disp         TaskDispatcher
	reg          registry.Repository
	pollInterval time.Duration
	timeout      time.Duration
}

type Option func(*Aggregator)

func WithPollInterval(d time.Duration) Option {
	return func(a *Aggregator) { a.pollInterval = d }
}

func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}

func New(disp TaskDispatcher, reg registry.Repository, opts ...Option) *Aggregator {
	a := &Aggregator{
		disp:         disp,
		reg:          reg,
		pollInterval: 500 * time.Millisecond,
		timeout:      2 * time.Minute,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run dispatches one task per facet and waits for results until the timeout.
// Facets whose task fails, cannot be dispatched or never completes get a
// fallback section; Run errors only when no facet could be dispatched at all.
func (a *Aggregator) Run(ctx context.Context, sub Submission) (Report, error) {
	if sub.BusinessID == "" {
		return Report{}, fmt.Errorf("business_id is required")
	}

	params, err := json.Marshal(sub)
	if err != nil {
		return Report{}, err
	}

	pending := map[string]string{} // task id -> facet
	sections := map[string]Section{}

	for _, facet := range Facets {
		task, err := a.disp.Dispatch(ctx, dispatch.Request{
			Type:        facet,
			Description: fmt.Sprintf("%s analysis for %s", facet, sub.BusinessName),
			BusinessID:  sub.BusinessID,
			Params:      params,
		})
		if err != nil {
			log.Warn().Err(err).Str("facet", facet).Msg("facet dispatch failed")
			sections[facet] = fallbackSection(facet, "")
			continue
		}
		pending[task.ID] = facet
	}

	if len(pending) == 0 {
		return Report{}, ErrNoFacets
	}

	a.await(ctx, pending, sections)

	// Anything still pending after the deadline falls back.
	for id, facet := range pending {
		sections[facet] = fallbackSection(facet, id)
	}

	rep := Report{
		BusinessID:   sub.BusinessID,
		BusinessName: sub.BusinessName,
		GeneratedAt:  time.Now().UTC(),
	}
	for _, facet := range Facets {
		s := sections[facet]
		rep.Sections = append(rep.Sections, s)
		if s.Fallback {
			rep.FallbackFacets = append(rep.FallbackFacets, facet)
		}
	}
	rep.Recommendations = collectRecommendations(rep.Sections)
	return rep, nil
}

// await polls the registry until every dispatched task is terminal or the
// timeout elapses, moving finished tasks from pending into sections.
func (a *Aggregator) await(ctx context.Context, pending map[string]string, sections map[string]Section) {
	deadline := time.NewTimer(a.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(a.pollInterval)
	defer tick.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}

		for id, facet := range pending {
			task, err := a.reg.GetTask(ctx, id)
			if err != nil || !task.Status.IsTerminal() {
				continue
			}
			s := Section{Facet: facet, TaskID: id, Status: task.Status}
			if res, err := a.reg.LatestResult(ctx, id); err == nil {
				s.Output = res.Output
			}
			if task.Status == domain.StatusFailed || s.Output == nil {
				s = fallbackSection(facet, id)
			}
			sections[facet] = s
			delete(pending, id)
		}
	}
}

// fallbackTexts mirror the canned sections the orchestrator serves when an
// agent is unreachable.
var fallbackTexts = map[string]string{
	"strategic":      "Strategic analysis unavailable; recommend revisiting market positioning and growth targets manually.",
	"creative":       "Creative analysis unavailable; recommend auditing brand voice and campaign assets manually.",
	"financial":      "Financial analysis unavailable; recommend reviewing cash flow and margin projections manually.",
	"sales":          "Sales strategy unavailable; recommend reviewing pipeline coverage and conversion funnels manually.",
	"swot":           "SWOT analysis unavailable; recommend a manual strengths/weaknesses workshop.",
	"business_model": "Business model canvas unavailable; recommend mapping value propositions and revenue streams manually.",
	"analytics":      "Analytics summary unavailable; recommend consolidating KPI dashboards manually.",
}

func fallbackSection(facet, taskID string) Section {
	return Section{
		Facet:    facet,
		TaskID:   taskID,
		Status:   domain.StatusFailed,
		Output:   &domain.TaskOutput{Text: fallbackTexts[facet]},
		Fallback: true,
	}
}

// recommendationPaths are the per-facet locations of recommendation lists in
// agent output data.
var recommendationPaths = []string{
	"recommendations",
	"key_recommendations",
	"strategic_plan.key_recommendations",
	"action_plan.immediate_actions",
	"canvas_insights.strategic_recommendations",
	"key_insights",
}

// collectRecommendations pulls recommendation lists out of completed facet
// outputs, deduplicated in first-seen order.
func collectRecommendations(sections []Section) []string {
	var recs []string
	seen := map[string]struct{}{}
	for _, s := range sections {
		if s.Fallback || s.Output == nil || len(s.Output.Data) == 0 {
			continue
		}
		data := string(s.Output.Data)
		for _, path := range recommendationPaths {
			for _, v := range gjson.Get(data, path).Array() {
				r := v.String()
				if r == "" {
					continue
				}
				if _, ok := seen[r]; ok {
					continue
				}
				seen[r] = struct{}{}
				recs = append(recs, r)
			}
		}
	}
	return recs
}
