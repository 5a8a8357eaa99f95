package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/models"
	"github.com/taskstream/taskstream/internal/task/service"
	"github.com/taskstream/taskstream/internal/task/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// scriptEngine plays a canned event sequence through the service, the
// same way the runner adapter would.
type scriptEngine struct {
	startErr error
	script   func(ctx context.Context, req service.EngineRequest, emit func(map[string]interface{}))
}

func (e *scriptEngine) Execute(ctx context.Context, req service.EngineRequest) (<-chan map[string]interface{}, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	out := make(chan map[string]interface{})
	go func() {
		defer close(out)
		emit := func(p map[string]interface{}) {
			select {
			case out <- p:
			case <-ctx.Done():
			}
		}
		if e.script != nil {
			e.script(ctx, req, emit)
		}
	}()
	return out, nil
}

// happyRun emits a short successful execution.
func happyRun(sessionID, output string) func(context.Context, service.EngineRequest, func(map[string]interface{})) {
	return func(ctx context.Context, req service.EngineRequest, emit func(map[string]interface{})) {
		emit(models.SessionEvent(sessionID))
		emit(models.TextDeltaEvent("card1", "working"))
		emit(models.ResultEvent(true, output, ""))
	}
}

// holdRun emits a session event and blocks until release before
// finishing successfully.
func holdRun(sessionID string, release <-chan struct{}) func(context.Context, service.EngineRequest, func(map[string]interface{})) {
	return func(ctx context.Context, req service.EngineRequest, emit func(map[string]interface{})) {
		emit(models.SessionEvent(sessionID))
		select {
		case <-release:
			emit(models.ResultEvent(true, "done", ""))
		case <-ctx.Done():
		}
	}
}

// interventionRun waits for an intervention, acknowledges it, and then
// completes.
func interventionRun(sessionID string) func(context.Context, service.EngineRequest, func(map[string]interface{})) {
	return func(ctx context.Context, req service.EngineRequest, emit func(map[string]interface{})) {
		emit(models.SessionEvent(sessionID))
		for {
			if iv := req.GetIntervention(); iv != nil {
				req.OnInterventionSent(iv)
				emit(models.TextDeltaEvent("card2", "handling "+iv.Text))
				emit(models.ResultEvent(true, "done", ""))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
	}
}

func testTasksConfig() *config.TasksConfig {
	return &config.TasksConfig{
		MaxConcurrent:      2,
		AcquireTimeoutMs:   1000,
		ListenerBuffer:     64,
		CleanupMaxAgeHours: 24,
		SaveDebounceMs:     5,
	}
}

func newTestService(t *testing.T, engine service.Engine, cfg *config.TasksConfig) *service.Service {
	t.Helper()
	if cfg == nil {
		cfg = testTasksConfig()
	}
	dir := t.TempDir()
	log := newTestLogger(t)

	eventLog, err := store.NewEventLog(filepath.Join(dir, "events"), log)
	require.NoError(t, err)
	snapshots := store.NewSnapshotStore(filepath.Join(dir, "tasks.json"), cfg.SaveDebounce(), log)

	svc := service.NewService(cfg, eventLog, snapshots, engine, nil, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func newTestRouter(t *testing.T, engine service.Engine, cfg *config.TasksConfig) (*gin.Engine, *service.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestService(t, engine, cfg)
	router := gin.New()
	RegisterTaskRoutes(router, svc, newTestLogger(t))
	return router, svc
}

func mustCreate(t *testing.T, svc *service.Service, clientID, requestID string) *models.Task {
	t.Helper()
	task, err := svc.Create(context.Background(), service.CreateTaskRequest{
		ClientID:  clientID,
		RequestID: requestID,
		Prompt:    "do the thing",
	})
	require.NoError(t, err)
	return task
}

func waitTerminal(t *testing.T, svc *service.Service, clientID, requestID string) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := svc.Get(clientID, requestID)
		if err == nil && task.IsTerminal() {
			return task
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s/%s did not reach a terminal state", clientID, requestID)
	return nil
}

func doRequest(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

// sseFrame is one parsed Server-Sent Events frame. ID is 0 when the
// frame carried no id line.
type sseFrame struct {
	ID    int64
	Event string
	Data  map[string]interface{}
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(strings.TrimRight(body, "\n"), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
				require.NoError(t, err, "unparseable id line %q", line)
				f.ID = id
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.Data),
					"unparseable data line %q", line)
			}
		}
		frames = append(frames, f)
	}
	return frames
}

// requireSequentialIDs checks that frame ids count up by one from first.
func requireSequentialIDs(t *testing.T, frames []sseFrame, first int64) {
	t.Helper()
	want := first
	for i, f := range frames {
		require.Equal(t, want, f.ID, "frame %d (%s) id", i, f.Event)
		want++
	}
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
