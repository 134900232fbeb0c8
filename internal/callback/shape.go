package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mcphub/internal/domain"
)

var (
	// ErrEmptyBody means the callback carried neither an output nor a status.
	ErrEmptyBody = errors.New("callback body has no output or status")
	// ErrBadStatus means the callback declared a status that is not terminal.
	ErrBadStatus = errors.New("unsupported callback status")
	// ErrBadBody means the callback body was not a JSON object.
	ErrBadBody = errors.New("invalid callback body")
)

// Body is the canonical (wrapped) callback shape. The flat historical shape,
// where output fields sit at the top level, is adapted into this one at the
// boundary so core logic only ever sees the canonical form.
type Body struct {
	Status        string                `json:"status,omitempty"`
	Output        *domain.TaskOutput    `json:"output,omitempty"`
	ContextUpdate *domain.ContextUpdate `json:"context_update,omitempty"`
	ExecutionTime float64               `json:"execution_time,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	Timestamp     string                `json:"timestamp,omitempty"`
}

// wrappedKeys are the top-level keys that mark a body as already wrapped.
var wrappedKeys = []string{"status", "output", "context_update", "execution_time", "error_message"}

// Normalize parses a callback body of either shape into the canonical one.
// A flat body implies status "completed".
func Normalize(raw []byte) (Body, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Body{}, fmt.Errorf("%w: %v", ErrBadBody, err)
	}

	wrapped := false
	for _, k := range wrappedKeys {
		if _, ok := probe[k]; ok {
			wrapped = true
			break
		}
	}

	if wrapped {
		var b Body
		if err := json.Unmarshal(raw, &b); err != nil {
			return Body{}, fmt.Errorf("%w: %v", ErrBadBody, err)
		}
		if b.Status == "" {
			b.Status = string(domain.StatusCompleted)
		}
		if b.Output == nil && b.Status == string(domain.StatusCompleted) && b.ErrorMessage == "" {
			return Body{}, ErrEmptyBody
		}
		return b, nil
	}

	// Flat shape: the whole body is the output.
	var out domain.TaskOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Body{}, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if isEmptyOutput(out) {
		return Body{}, ErrEmptyBody
	}
	return Body{Status: string(domain.StatusCompleted), Output: &out}, nil
}

func isEmptyOutput(o domain.TaskOutput) bool {
	return o.Text == "" && len(o.Data) == 0 && len(o.Images) == 0 &&
		len(o.Links) == 0 && len(o.Files) == 0 && o.HTML == "" && o.Markdown == ""
}

// parseTimestamp tolerates a missing or junk timestamp by falling back to now.
func parseTimestamp(s string, now time.Time) time.Time {
	if s == "" {
		return now
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return now
	}
	return ts
}
