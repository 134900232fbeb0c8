package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcphub.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"
callback_base = "https://hub.example.com/mcp/callback"

[database]
path = "/var/lib/mcphub/hub.db"

[callback]
secret = "s3cret"
ttl = "30m"

[dispatch]
max_inflight = 16
forward_timeout = "10s"

[automation]
check_interval = "15s"

[report]
timeout = "90s"
poll_interval = "250ms"

[[agents]]
name = "SWOT Agent"
type = "swot"
endpoint_url = "http://localhost:5007/receive_message"
capabilities = ["swot"]

[[schedules]]
name = "weekly swot"
cron = "0 9 * * 1"
task_type = "swot"
business_id = "biz_1"
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, "https://hub.example.com/mcp/callback", c.Server.CallbackBase)
	assert.Equal(t, "/var/lib/mcphub/hub.db", c.Database.Path)
	assert.Equal(t, "s3cret", c.Callback.Secret)
	assert.Equal(t, 30*time.Minute, c.Callback.TTL.Or(time.Hour))
	assert.Equal(t, 16, c.Dispatch.MaxInflight)
	assert.Equal(t, 10*time.Second, c.Dispatch.ForwardTimeout.Or(0))
	assert.Equal(t, 15*time.Second, c.Automation.CheckInterval.Or(0))
	assert.Equal(t, 250*time.Millisecond, c.Report.PollInterval.Or(0))

	require.Len(t, c.Agents, 1)
	assert.Equal(t, "swot", c.Agents[0].Type)
	require.Len(t, c.Schedules, 1)
	assert.Equal(t, "0 9 * * 1", c.Schedules[0].CronExpr)
}

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	t.Setenv("MCPHUB_CALLBACK_SECRET", "from-env")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, "from-env", c.Callback.Secret)
	assert.Equal(t, time.Hour, c.Callback.TTL.Or(time.Hour))
}

func TestLoadMissingSecret(t *testing.T) {
	path := writeConfig(t, `
[server]
callback_base = "http://localhost:8080/mcp/callback"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadUnknownKey(t *testing.T) {
	path := writeConfig(t, `
[callback]
secret = "x"
secrett = "typo"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("MCPHUB_ADDR", ":7000")
	path := writeConfig(t, `
[server]
addr = ":9999"

[callback]
secret = "x"
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Server.Addr)
}

func TestLoadInvalidSchedule(t *testing.T) {
	path := writeConfig(t, `
[callback]
secret = "x"

[[schedules]]
name = "no cron"
task_type = "swot"
`)

	_, err := Load(path)
	assert.Error(t, err)
}
