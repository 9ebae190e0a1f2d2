package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	outboxApp "github.com/davicafu/fleetguard/internal/outbox/application"
	outboxStore "github.com/davicafu/fleetguard/internal/outbox/infra/outbound/db/sqlstore"
	"github.com/davicafu/fleetguard/internal/rollback/application"
	"github.com/davicafu/fleetguard/internal/rollback/domain"
	"github.com/davicafu/fleetguard/internal/rollback/infra/outbound/db/sqlstore"
	"github.com/davicafu/fleetguard/internal/rollback/infra/outbound/devices"
	sagaApp "github.com/davicafu/fleetguard/internal/saga/application"
	sagaDomain "github.com/davicafu/fleetguard/internal/saga/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
	sharedUtils "github.com/davicafu/fleetguard/shared/utils"
	"github.com/davicafu/fleetguard/tests/mocks"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func setupRouter(t *testing.T) (*gin.Engine, *sagaApp.Orchestrator, *devices.InMemoryRegistry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := persistence.Open(ctx, persistence.SQLite, persistence.SQLiteFileDSN(filepath.Join(t.TempDir(), "fleetguard.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	executions := sqlstore.NewExecutionStore(db, persistence.SQLite)
	outbox := outboxStore.NewOutboxStore(db, persistence.SQLite, "")
	require.NoError(t, executions.Migrate(ctx))
	require.NoError(t, outbox.Migrate(ctx))

	registry := devices.NewInMemoryRegistry()
	events := outboxApp.NewOutboxService(outbox, outbox, outboxApp.NewProcessorRegistry("test"), nil, zap.NewNop())
	retry := sharedUtils.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	saga := application.NewRollbackSaga(executions, executions, registry, events, application.SagaConfig{StepRetry: &retry}, zap.NewNop())

	sagas := sagaDomain.NewRegistry()
	require.NoError(t, saga.Register(sagas))
	repo := mocks.NewInMemorySagaRepo()
	executor := sagaApp.NewStepExecutor(repo, sagaApp.ExecutorConfig{Retry: retry, Timeout: time.Second}, zap.NewNop())
	orch := sagaApp.NewOrchestrator(sagas, repo, repo, executor, zap.NewNop())

	r := gin.New()
	RegisterRollbackRoutes(r.Group("/api"), NewRollbackHandler(application.NewRollbackService(executions, orch, zap.NewNop())))
	return r, orch, registry
}

func doJSON(r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestExecuteRollback_AcceptedThenPollable(t *testing.T) {
	r, orch, registry := setupRouter(t)
	registry.Install("QC-001", domain.TargetFirmware, "FW-QC", "1.4.0")

	w, env := doJSON(r, http.MethodPost, "/api/rollbacks", domain.RollbackRequest{
		TriggerID:   "ops-7",
		TargetType:  domain.TargetFirmware,
		TargetID:    "FW-QC",
		FromVersion: "1.4.0",
		ToVersion:   "1.3.9",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var exec domain.RollbackExecution
	require.NoError(t, json.Unmarshal(env.Data, &exec))
	assert.Equal(t, domain.StatusRunning, exec.Status)
	orch.Wait()

	w, env = doJSON(r, http.MethodGet, "/api/rollbacks/"+exec.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.RollbackExecution
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedDevices)

	w, env = doJSON(r, http.MethodGet, "/api/rollbacks?targetType=firmware&status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []domain.RollbackExecution
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)
}

func TestExecuteRollback_InvalidRequest(t *testing.T) {
	r, _, _ := setupRouter(t)

	w, env := doJSON(r, http.MethodPost, "/api/rollbacks", map[string]string{"targetType": "dashboard"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)

	w, _ = doJSON(r, http.MethodGet, "/api/rollbacks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetExecution_NotFound(t *testing.T) {
	r, _, _ := setupRouter(t)

	w, _ := doJSON(r, http.MethodGet, "/api/rollbacks/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(r, http.MethodGet, "/api/rollbacks/nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env := doJSON(r, http.MethodGet, "/api/rollbacks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(env.Data))
}
