package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/quote-approval/internal/application/dispatcher"
	"github.com/garyjia/quote-approval/internal/application/keylock"
	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/application/service"
	"github.com/garyjia/quote-approval/internal/domain/permission"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
	"github.com/garyjia/quote-approval/internal/infrastructure/channel"
	"github.com/garyjia/quote-approval/internal/infrastructure/directory"
	"github.com/garyjia/quote-approval/internal/infrastructure/export"
	"github.com/garyjia/quote-approval/internal/infrastructure/persistence/memory"
	httpapi "github.com/garyjia/quote-approval/internal/interfaces/http"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// newAPI serves the real HTTP API over an in-memory store
func newAPI(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	dir, err := directory.New(directory.File{
		Approvers:       []directory.Approver{{ID: "bob"}, {ID: "carol"}},
		DefaultApprover: "bob",
	})
	require.NoError(t, err)

	resolver := permission.NewResolver([]string{"approval_admin"}, dir)
	locks := keylock.New()
	d := dispatcher.NewDispatcher()
	t.Cleanup(func() { d.Close() })

	syncer := service.NewSyncService(
		store.Records(),
		[]port.ChannelAdapter{channel.NewInternalAdapter(store.Records(), nil)},
		locks, nil,
		service.SyncConfig{Workers: 1, QueueSize: 16, MaxAttempts: 1},
		nil,
	)
	exec := service.NewExecutor(service.ExecutorDeps{
		Records:     store.Records(),
		History:     store.History(),
		Idempotency: store.Idempotency(),
		TxManager:   store,
		Resolver:    resolver,
		Directory:   dir,
		Locks:       locks,
		Scheduler:   syncer,
		Dispatcher:  d,
	})

	srv := httpapi.NewServer(httpapi.DefaultServerConfig(), httpapi.Services{
		Executor: exec,
		Status:   service.NewStatusService(store.Records(), store.History(), resolver, nil),
		Sync:     syncer,
		Exporter: export.NewHistoryExporter(nil),
	}, nopLogger{})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "approvalctl", cmd.Use)

	for _, name := range []string{"status", "history", "operate", "resync", "register", "purge"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, "command %s should exist", name)
		assert.Equal(t, name, sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "status", "Q-1", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestApprovalRoundTrip(t *testing.T) {
	server := newAPI(t)

	out, err := run(t, "--server", server, "register", "Q-1", "--owner", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "draft")

	out, err = run(t, "--server", server, "operate", "Q-1", "submit", "--actor", "alice", "--key", "submit-1")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "bob")

	out, err = run(t, "--server", server, "operate", "Q-1", "submit", "--actor", "alice", "--key", "submit-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Already applied")

	out, err = run(t, "--server", server, "--format", "json", "--actor", "bob", "status", "Q-1")
	require.NoError(t, err)
	var view service.StatusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, workflow.StatePending, view.Record.Status)
	assert.Contains(t, view.Permissions, workflow.ActionApprove)

	out, err = run(t, "--server", server, "status", "Q-1", "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "History replay: consistent")

	out, err = run(t, "--server", server, "history", "Q-1")
	require.NoError(t, err)
	assert.Contains(t, out, "submit")
	assert.Contains(t, out, "alice")

	path := filepath.Join(t.TempDir(), "history.xlsx")
	_, err = run(t, "--server", server, "history", "Q-1", "--xlsx", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("PK")))

	out, err = run(t, "--server", server, "resync", "Q-1")
	require.NoError(t, err)
	assert.Contains(t, out, "synced")

	_, err = run(t, "--server", server, "purge", "Q-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, "--server", server, "purge", "Q-1", "--yes")
	require.NoError(t, err)

	_, err = run(t, "--server", server, "status", "Q-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "404")
}

func TestOperate_RejectedByServer(t *testing.T) {
	server := newAPI(t)

	_, err := run(t, "--server", server, "operate", "Q-2", "submit", "--actor", "alice")
	require.NoError(t, err)

	_, err = run(t, "--server", server, "operate", "Q-2", "approve", "--actor", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "403")

	_, err = run(t, "--server", server, "operate", "Q-2", "approve", "--actor", "bob", "--expected-version", "9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "412")
}

func TestUnreachableServer(t *testing.T) {
	_, err := run(t, "--server", "http://127.0.0.1:1", "--timeout", "1s", "status", "Q-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBuildOperateRequest(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := buildOperateRequest(&OperateOptions{RootOptions: &RootOptions{}}, "approve", now)
	assert.Error(t, err)

	opts := &OperateOptions{
		RootOptions:     &RootOptions{ActorID: "bob", Roles: []string{"approval_admin"}},
		Channel:         "internal",
		Reason:          "need freight cost",
		Deadline:        "48h",
		ModifiedData:    `{"discount": 0.1}`,
		ExpectedVersion: 3,
	}
	req, err := buildOperateRequest(opts, " request_input ", now)
	require.NoError(t, err)
	assert.Equal(t, "request_input", req.Action)
	assert.Equal(t, "bob", req.Actor.ID)
	assert.NotEmpty(t, req.IdempotencyKey)
	require.NotNil(t, req.ExpectedVersion)
	assert.Equal(t, int64(3), *req.ExpectedVersion)
	require.NotNil(t, req.InputDeadline)
	assert.Equal(t, now.Add(48*time.Hour), *req.InputDeadline)
	assert.Equal(t, 0.1, req.ModifiedData["discount"])

	opts.Deadline = "2026-05-04T17:00:00+02:00"
	req, err = buildOperateRequest(opts, "request_input", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC), *req.InputDeadline)

	opts.Deadline = "next week"
	_, err = buildOperateRequest(opts, "request_input", now)
	assert.Error(t, err)

	opts.Deadline = ""
	opts.ModifiedData = "[1,2]"
	_, err = buildOperateRequest(opts, "approve_with_changes", now)
	assert.Error(t, err)
}
