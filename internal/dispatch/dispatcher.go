// Package dispatch turns an inbound analysis request into a persisted pending
// task and hands it to an agent endpoint. Forwarding is fire-and-forget: the
// callback path is the source of truth, so a lost forwarding acknowledgement
// never fails the task.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mcphub/internal/directory"
	"mcphub/internal/domain"
	"mcphub/internal/registry"
	"mcphub/internal/token"
)

// Request is one task-creation request.
type Request struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	BusinessID  string          `json:"business_id,omitempty"`
	// CallbackURL overrides the generated capability URL. When set, the
	// agent reports elsewhere and the hub's receiver never sees the result.
	CallbackURL string `json:"callback_url,omitempty"`
}

// envelope is the body forwarded to the agent endpoint.
type envelope struct {
	Description string          `json:"description,omitempty"`
	Type        string          `json:"type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	CallbackURL string          `json:"callback_url"`
}

type Dispatcher struct {
	reg          registry.Repository
	dir          directory.Directory
	signer       *token.Signer
	callbackBase string
	client       *http.Client
	sem          chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithMaxInflight bounds concurrent forwarding requests.
func WithMaxInflight(n int) Option {
	return func(d *Dispatcher) { d.sem = make(chan struct{}, n) }
}

// New builds a Dispatcher. callbackBase is the externally reachable callback
// endpoint, e.g. http://hub:8080/mcp/callback.
func New(reg registry.Repository, dir directory.Directory, signer *token.Signer, callbackBase string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:          reg,
		dir:          dir,
		signer:       signer,
		callbackBase: callbackBase,
		client:       &http.Client{Timeout: 30 * time.Second},
		sem:          make(chan struct{}, 8),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch resolves an agent, persists the task as pending with a freshly
// minted capability token, and forwards it in the background. It returns the
// pending task immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (domain.Task, error) {
	if req.Type == "" {
		return domain.Task{}, fmt.Errorf("task type is required")
	}

	agent, err := d.dir.Select(ctx, req.Type)
	if err != nil {
		return domain.Task{}, err
	}

	id := "tsk_" + uuid.NewString()
	c := d.signer.Issue(id)

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = c.URL(d.callbackBase)
	}

	task := domain.Task{
		ID:                id,
		AgentID:           agent.ID,
		BusinessID:        req.BusinessID,
		Type:              req.Type,
		Description:       req.Description,
		Params:            req.Params,
		Context:           req.Context,
		Status:            domain.StatusPending,
		CallbackURL:       callbackURL,
		CallbackToken:     c.Token,
		CallbackExpiresAt: c.ExpiresAt,
	}

	created, err := d.reg.CreateTask(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}

	body := envelope{
		Description: req.Description,
		Type:        req.Type,
		Params:      req.Params,
		Context:     req.Context,
		CallbackURL: callbackURL,
	}

	d.sem <- struct{}{}
	go func() {
		defer func() { <-d.sem }()
		d.forward(agent, created, body)
	}()

	return created, nil
}

// forward posts the task envelope to the agent endpoint and records the
// attempt. Failure leaves the task pending; the agent may still call back.
func (d *Dispatcher) forward(agent domain.Agent, task domain.Task, body envelope) {
	timeout := d.client.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logID, err := d.reg.LogForwardAttempt(ctx, domain.ForwardLog{
		TaskID:      task.ID,
		AgentID:     agent.ID,
		EndpointURL: agent.EndpointURL,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("record forward attempt")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		d.finishLog(logID, domain.ForwardFailed, 0, err.Error())
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.EndpointURL, bytes.NewReader(payload))
	if err != nil {
		d.finishLog(logID, domain.ForwardFailed, 0, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if agent.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+agent.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.Warn().Err(err).
			Str("task_id", task.ID).
			Str("agent_id", agent.ID).
			Str("endpoint", agent.EndpointURL).
			Msg("task forwarding failed; task stays pending")
		d.finishLog(logID, domain.ForwardFailed, 0, err.Error())
		return
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Str("task_id", task.ID).
			Str("agent_id", agent.ID).
			Int("status", resp.StatusCode).
			Msg("agent rejected forwarded task; task stays pending")
		d.finishLog(logID, domain.ForwardFailed, resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet))
		return
	}

	log.Info().
		Str("task_id", task.ID).
		Str("agent_id", agent.ID).
		Int("status", resp.StatusCode).
		Msg("task forwarded to agent")
	d.finishLog(logID, domain.ForwardSuccess, resp.StatusCode, "")
}

func (d *Dispatcher) finishLog(id int64, status string, respStatus int, errMsg string) {
	if id == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.reg.FinishForwardLog(ctx, id, status, respStatus, errMsg); err != nil {
		log.Error().Err(err).Int64("log_id", id).Msg("finish forward log")
	}
}
