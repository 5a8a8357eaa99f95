package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskstream/taskstream/internal/task/dto"
	"github.com/taskstream/taskstream/internal/task/service"
)

func newSystemRouter(t *testing.T, engine service.Engine, shutdown func()) (*gin.Engine, *service.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestService(t, engine, nil)
	router := gin.New()
	RegisterSystemRoutes(router, svc, shutdown, newTestLogger(t))
	return router, svc
}

func TestHealth(t *testing.T) {
	router, _ := newSystemRouter(t, &scriptEngine{}, nil)

	w := doRequest(router, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 0, resp.Active)
	assert.Equal(t, 2, resp.Capacity)
}

func TestHealthReportsActiveExecutions(t *testing.T) {
	release := make(chan struct{})
	router, svc := newSystemRouter(t, &scriptEngine{script: holdRun("sess-h1", release)}, nil)

	mustCreate(t, svc, "bot", "h1")

	// The admission slot is held for the whole run.
	deadline := time.Now().Add(2 * time.Second)
	var resp dto.HealthResponse
	for time.Now().Before(deadline) {
		w := doRequest(router, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		if resp.Active == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 1, resp.Active)

	close(release)
	waitTerminal(t, svc, "bot", "h1")
}

func TestShutdownEndpoint(t *testing.T) {
	called := make(chan struct{}, 1)
	router, _ := newSystemRouter(t, &scriptEngine{}, func() {
		called <- struct{}{}
	})

	w := doRequest(router, http.MethodPost, "/shutdown", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ShutdownResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.ShuttingDown)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown trigger never fired")
	}
}

func TestShutdownWithoutTrigger(t *testing.T) {
	router, _ := newSystemRouter(t, &scriptEngine{}, nil)

	// A nil trigger acknowledges without doing anything.
	w := doRequest(router, http.MethodPost, "/shutdown", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
