package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"mcphub/internal/directory"
	"mcphub/internal/domain"
	"mcphub/internal/registry"
	"mcphub/internal/token"
)

func newTestStores(t *testing.T) (registry.Repository, directory.Directory) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, registry.EnsureSchema(db))
	require.NoError(t, directory.EnsureSchema(db))
	return registry.NewSQLiteRepo(db), directory.NewSQLiteDirectory(db)
}

func waitForForwardLog(t *testing.T, reg registry.Repository, taskID, status string) domain.ForwardLog {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		logs, err := reg.ListForwardLogs(context.Background(), registry.ForwardLogFilter{TaskID: taskID, Status: status})
		require.NoError(t, err)
		if len(logs) > 0 {
			return logs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s forward log for %s", status, taskID)
	return domain.ForwardLog{}
}

func TestDispatchCreatesPendingTaskAndForwards(t *testing.T) {
	reg, dir := newTestStores(t)
	ctx := context.Background()

	received := make(chan envelope, 1)
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		var env envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		received <- env
		w.WriteHeader(http.StatusAccepted)
	}))
	defer agentSrv.Close()

	_, err := dir.Register(ctx, domain.Agent{
		Name: "strategic", Type: "market_analysis", EndpointURL: agentSrv.URL, APIKey: "key-1",
	})
	require.NoError(t, err)

	signer := token.NewSigner("secret", time.Hour)
	d := New(reg, dir, signer, "http://hub:8080/mcp/callback")

	task, err := d.Dispatch(ctx, Request{
		Type:   "market_analysis",
		Params: json.RawMessage(`{"region":"TH"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, task.Status)
	assert.NotEmpty(t, task.CallbackURL)
	assert.NotEmpty(t, task.CallbackToken)

	// The callback URL must carry an expiry roughly one hour out.
	u, err := url.Parse(task.CallbackURL)
	require.NoError(t, err)
	exp, err := strconv.ParseInt(u.Query().Get("expires_at"), 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), exp, 10)

	env := <-received
	assert.Equal(t, "market_analysis", env.Type)
	assert.Equal(t, task.CallbackURL, env.CallbackURL)
	assert.JSONEq(t, `{"region":"TH"}`, string(env.Params))

	fl := waitForForwardLog(t, reg, task.ID, domain.ForwardSuccess)
	assert.Equal(t, http.StatusAccepted, fl.ResponseStatus)
}

func TestDispatchNoAgentAvailable(t *testing.T) {
	reg, dir := newTestStores(t)

	signer := token.NewSigner("secret", time.Hour)
	d := New(reg, dir, signer, "http://hub:8080/mcp/callback")

	_, err := d.Dispatch(context.Background(), Request{Type: "financial"})
	assert.ErrorIs(t, err, directory.ErrNoAgentAvailable)

	tasks, err := reg.ListTasks(context.Background(), registry.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDispatchForwardingFailureLeavesTaskPending(t *testing.T) {
	reg, dir := newTestStores(t)
	ctx := context.Background()

	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer agentSrv.Close()

	_, err := dir.Register(ctx, domain.Agent{Name: "swot", Type: "swot", EndpointURL: agentSrv.URL})
	require.NoError(t, err)

	signer := token.NewSigner("secret", time.Hour)
	d := New(reg, dir, signer, "http://hub:8080/mcp/callback")

	task, err := d.Dispatch(ctx, Request{Type: "swot"})
	require.NoError(t, err)

	fl := waitForForwardLog(t, reg, task.ID, domain.ForwardFailed)
	assert.Equal(t, http.StatusServiceUnavailable, fl.ResponseStatus)

	got, err := reg.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestDispatchUnreachableAgent(t *testing.T) {
	reg, dir := newTestStores(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, domain.Agent{
		Name: "gone", Type: "sales", EndpointURL: "http://127.0.0.1:1",
	})
	require.NoError(t, err)

	signer := token.NewSigner("secret", time.Hour)
	d := New(reg, dir, signer, "http://hub:8080/mcp/callback",
		WithHTTPClient(&http.Client{Timeout: time.Second}))

	task, err := d.Dispatch(ctx, Request{Type: "sales"})
	require.NoError(t, err)

	waitForForwardLog(t, reg, task.ID, domain.ForwardFailed)

	got, err := reg.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestDispatchCallbackURLOverride(t *testing.T) {
	reg, dir := newTestStores(t)
	ctx := context.Background()

	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer agentSrv.Close()

	_, err := dir.Register(ctx, domain.Agent{Name: "c", Type: "creative", EndpointURL: agentSrv.URL})
	require.NoError(t, err)

	signer := token.NewSigner("secret", time.Hour)
	d := New(reg, dir, signer, "http://hub:8080/mcp/callback")

	task, err := d.Dispatch(ctx, Request{Type: "creative", CallbackURL: "http://elsewhere/hook"})
	require.NoError(t, err)
	assert.Equal(t, "http://elsewhere/hook", task.CallbackURL)
}
