package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"mcphub/internal/domain"
	"mcphub/internal/registry"
	"mcphub/internal/token"
)

// Receiver validates signed callback parameters and records agent results.
// The callback, not the forwarding response, is the source of truth for a
// task's outcome.
type Receiver struct {
	reg    registry.Repository
	signer *token.Signer
	now    func() time.Time
}

func NewReceiver(reg registry.Repository, signer *token.Signer) *Receiver {
	return &Receiver{reg: reg, signer: signer, now: time.Now}
}

// Receive verifies the capability parameters, normalizes the body and applies
// the result to the task. A duplicate delivery of an identical payload returns
// the stored result with no error; a conflicting payload for an already
// terminal task returns registry.ErrAlreadyCompleted.
func (r *Receiver) Receive(ctx context.Context, p token.Params, raw json.RawMessage) (domain.TaskResult, error) {
	now := r.now()

	taskID, err := r.signer.Verify(p, now)
	if err != nil {
		return domain.TaskResult{}, err
	}

	task, err := r.reg.GetTask(ctx, taskID)
	if err != nil {
		return domain.TaskResult{}, err
	}

	if !hmac.Equal([]byte(p.Token), []byte(task.CallbackToken)) {
		return domain.TaskResult{}, token.ErrTokenMismatch
	}

	body, err := Normalize(raw)
	if err != nil {
		return domain.TaskResult{}, err
	}

	status, err := resultStatus(body)
	if err != nil {
		return domain.TaskResult{}, err
	}

	res := domain.TaskResult{
		TaskID:        task.ID,
		AgentID:       task.AgentID,
		BusinessID:    task.BusinessID,
		Status:        status,
		Output:        body.Output,
		ContextUpdate: body.ContextUpdate,
		ExecutionTime: body.ExecutionTime,
		ErrorMessage:  body.ErrorMessage,
		Timestamp:     parseTimestamp(body.Timestamp, now),
	}

	stored, err := r.reg.ApplyResult(ctx, task.ID, res)
	if err == nil {
		log.Info().
			Str("task_id", task.ID).
			Str("status", string(status)).
			Msg("callback recorded")
		return stored, nil
	}
	if !errors.Is(err, registry.ErrAlreadyCompleted) {
		return domain.TaskResult{}, err
	}

	prev, lerr := r.reg.LatestResult(ctx, task.ID)
	if lerr != nil {
		return domain.TaskResult{}, err
	}
	if sameResult(prev, res) {
		log.Debug().Str("task_id", task.ID).Msg("duplicate callback ignored")
		return prev, nil
	}
	return domain.TaskResult{}, err
}

func resultStatus(b Body) (domain.TaskStatus, error) {
	if b.ErrorMessage != "" {
		return domain.StatusFailed, nil
	}
	switch b.Status {
	case "", string(domain.StatusCompleted):
		return domain.StatusCompleted, nil
	case string(domain.StatusFailed):
		return domain.StatusFailed, nil
	default:
		return "", fmt.Errorf("%w %q", ErrBadStatus, b.Status)
	}
}

// sameResult compares the parts of a result an agent controls. Server-side
// fields like ids and timestamps are ignored.
func sameResult(a, b domain.TaskResult) bool {
	if a.Status != b.Status || a.ErrorMessage != b.ErrorMessage {
		return false
	}
	return jsonEqual(a.Output, b.Output) && jsonEqual(a.ContextUpdate, b.ContextUpdate)
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
