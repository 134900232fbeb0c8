// Package directory stores agent registrations and answers "which agent
// handles this task type". It is read-mostly; the dispatcher selects from it
// on every task creation.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcphub/internal/domain"
)

var (
	ErrNotFound         = errors.New("agent not found")
	ErrNoAgentAvailable = errors.New("no active agent for task type")
	ErrDuplicateAgent   = errors.New("duplicate agent id")
	ErrInvalidAgent     = errors.New("invalid agent registration")
)

// EnsureSchema creates the agents table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS agents (
  agent_id TEXT PRIMARY KEY,
  agent_name TEXT NOT NULL,
  agent_type TEXT NOT NULL,
  endpoint_url TEXT NOT NULL,
  api_key TEXT,
  description TEXT,
  capabilities BLOB,
  status TEXT NOT NULL CHECK(status IN ('active','inactive')) DEFAULT 'active',
  version TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(agent_type, status);
`
	_, err := db.Exec(schema)
	return err
}

// Filter narrows List queries. Zero values mean no filter.
type Filter struct {
	Status string
	Type   string
}

type Directory interface {
	Register(ctx context.Context, a domain.Agent) (domain.Agent, error)
	Get(ctx context.Context, id string) (domain.Agent, error)
	List(ctx context.Context, f Filter) ([]domain.Agent, error)
	Update(ctx context.Context, a domain.Agent) (domain.Agent, error)
	Delete(ctx context.Context, id string) error

	// Select picks an active agent for the requested task type, or fails
	// with ErrNoAgentAvailable.
	Select(ctx context.Context, agentType string) (domain.Agent, error)
	FindByCapability(ctx context.Context, capability string) ([]domain.Agent, error)
}

type sqliteDir struct{ db *sql.DB }

func NewSQLiteDirectory(db *sql.DB) Directory { return &sqliteDir{db: db} }

func (d *sqliteDir) Register(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	if a.Name == "" || a.Type == "" || a.EndpointURL == "" {
		return domain.Agent{}, ErrInvalidAgent
	}
	if a.ID == "" {
		a.ID = "agt_" + uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.AgentActive
	}
	if a.Version == "" {
		a.Version = "1.0.0"
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return domain.Agent{}, err
	}

	_, err = d.db.ExecContext(ctx, `
INSERT INTO agents (agent_id,agent_name,agent_type,endpoint_url,api_key,description,capabilities,status,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, a.ID, a.Name, a.Type, a.EndpointURL, nullStr(a.APIKey), nullStr(a.Description), caps, a.Status, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.Agent{}, ErrDuplicateAgent
		}
		return domain.Agent{}, err
	}
	return a, nil
}

const agentColumns = `agent_id,agent_name,agent_type,endpoint_url,api_key,description,capabilities,status,version,created_at,updated_at`

func (d *sqliteDir) Get(ctx context.Context, id string) (domain.Agent, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id=?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, ErrNotFound
	}
	return a, err
}

func (d *sqliteDir) List(ctx context.Context, f Filter) ([]domain.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		q += ` AND agent_type=?`
		args = append(args, f.Type)
	}
	q += ` ORDER BY agent_name`
	return d.queryAgents(ctx, q, args...)
}

func (d *sqliteDir) Update(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	existing, err := d.Get(ctx, a.ID)
	if err != nil {
		return domain.Agent{}, err
	}
	if a.Name == "" {
		a.Name = existing.Name
	}
	if a.Type == "" {
		a.Type = existing.Type
	}
	if a.EndpointURL == "" {
		a.EndpointURL = existing.EndpointURL
	}
	if a.APIKey == "" {
		a.APIKey = existing.APIKey
	}
	if a.Description == "" {
		a.Description = existing.Description
	}
	if a.Capabilities == nil {
		a.Capabilities = existing.Capabilities
	}
	if a.Status == "" {
		a.Status = existing.Status
	}
	if a.Version == "" {
		a.Version = existing.Version
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()

	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return domain.Agent{}, err
	}

	_, err = d.db.ExecContext(ctx, `
UPDATE agents SET agent_name=?,agent_type=?,endpoint_url=?,api_key=?,description=?,capabilities=?,status=?,version=?,updated_at=?
WHERE agent_id=?
`, a.Name, a.Type, a.EndpointURL, nullStr(a.APIKey), nullStr(a.Description), caps, a.Status, a.Version, a.UpdatedAt, a.ID)
	if err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (d *sqliteDir) Delete(ctx context.Context, id string) error {
	out, err := d.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *sqliteDir) Select(ctx context.Context, agentType string) (domain.Agent, error) {
	row := d.db.QueryRowContext(ctx, `
SELECT `+agentColumns+` FROM agents
WHERE agent_type=? AND status='active'
ORDER BY created_at ASC
LIMIT 1`, agentType)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, ErrNoAgentAvailable
	}
	return a, err
}

func (d *sqliteDir) FindByCapability(ctx context.Context, capability string) ([]domain.Agent, error) {
	agents, err := d.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE status='active' ORDER BY agent_name`)
	if err != nil {
		return nil, err
	}
	var out []domain.Agent
	for _, a := range agents {
		for _, c := range a.Capabilities {
			if c == capability {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

func (d *sqliteDir) queryAgents(ctx context.Context, q string, args ...any) ([]domain.Agent, error) {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var apiKey, description, version sql.NullString
	var caps []byte
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.EndpointURL, &apiKey, &description, &caps,
		&a.Status, &version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Agent{}, err
	}
	a.APIKey = apiKey.String
	a.Description = description.String
	a.Version = version.String
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return domain.Agent{}, err
		}
	}
	return a, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
