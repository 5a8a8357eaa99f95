package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskstream/taskstream/internal/task/models"
	"github.com/taskstream/taskstream/internal/task/service"
)

func TestParseLastEventID(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{"", 0},
		{"7", 7},
		{"0", 0},
		{"-3", 0},
		{"garbage", 0},
		{"9000000000", 9000000000},
	}
	for _, tt := range tests {
		if got := parseLastEventID(tt.raw); got != tt.want {
			t.Errorf("parseLastEventID(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestReconnectReplaysFullLog(t *testing.T) {
	router, svc := newTestRouter(t, &scriptEngine{script: happyRun("sess-r1", "done")}, nil)

	mustCreate(t, svc, "bot", "r1")
	waitTerminal(t, svc, "bot", "r1")

	w := doRequest(router, http.MethodGet, "/tasks/bot/r1/reconnect", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := parseSSE(t, w.Body.String())
	require.NotEmpty(t, frames)

	// The synthetic snapshot leads the stream and carries no id, so it
	// can never advance the client's Last-Event-ID cursor.
	status := frames[0]
	assert.Equal(t, models.EventTypeStatus, status.Event)
	assert.Zero(t, status.ID)
	assert.Equal(t, string(models.TaskStatusCompleted), status.Data["status"])
	assert.Equal(t, "done", status.Data["result"])
	assert.EqualValues(t, models.EventSchemaVersion, status.Data["schema_version"])

	replayed := frames[1:]
	require.Len(t, replayed, 3)
	requireSequentialIDs(t, replayed, 1)
	assert.Equal(t, models.EventTypeComplete, replayed[len(replayed)-1].Event)

	// Writing the terminal frame marks the task delivered.
	task, err := svc.Get("bot", "r1")
	require.NoError(t, err)
	assert.NotNil(t, task.DeliveredAt)
}

func TestReconnectReplaysAfterLastEventID(t *testing.T) {
	router, svc := newTestRouter(t, &scriptEngine{script: happyRun("sess-r2", "done")}, nil)

	mustCreate(t, svc, "bot", "r2")
	waitTerminal(t, svc, "bot", "r2")

	w := doRequest(router, http.MethodGet, "/tasks/bot/r2/reconnect", "",
		map[string]string{"Last-Event-ID": "2"})

	require.Equal(t, http.StatusOK, w.Code)
	frames := parseSSE(t, w.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, models.EventTypeStatus, frames[0].Event)

	replayed := frames[1:]
	require.Len(t, replayed, 1, "only events past the cursor are replayed")
	assert.Equal(t, int64(3), replayed[0].ID)
	assert.Equal(t, models.EventTypeComplete, replayed[0].Event)
}

func TestReconnectGarbageCursorReplaysEverything(t *testing.T) {
	router, svc := newTestRouter(t, &scriptEngine{script: happyRun("sess-r3", "done")}, nil)

	mustCreate(t, svc, "bot", "r3")
	waitTerminal(t, svc, "bot", "r3")

	w := doRequest(router, http.MethodGet, "/tasks/bot/r3/reconnect", "",
		map[string]string{"Last-Event-ID": "not-a-number"})

	require.Equal(t, http.StatusOK, w.Code)
	frames := parseSSE(t, w.Body.String())
	require.Len(t, frames, 4)
	requireSequentialIDs(t, frames[1:], 1)
}

func TestReconnectCursorPastTerminal(t *testing.T) {
	router, svc := newTestRouter(t, &scriptEngine{script: happyRun("sess-r4", "done")}, nil)

	mustCreate(t, svc, "bot", "r4")
	waitTerminal(t, svc, "bot", "r4")

	// The client already consumed the whole log, terminal frame included.
	w := doRequest(router, http.MethodGet, "/tasks/bot/r4/reconnect", "",
		map[string]string{"Last-Event-ID": "3"})

	require.Equal(t, http.StatusOK, w.Code)
	frames := parseSSE(t, w.Body.String())
	require.Len(t, frames, 1, "nothing to replay past the cursor")
	assert.Equal(t, models.EventTypeStatus, frames[0].Event)
}

func TestReconnectUnknownTask(t *testing.T) {
	router, _ := newTestRouter(t, &scriptEngine{}, nil)

	w := doRequest(router, http.MethodGet, "/tasks/ghost/none/reconnect", "", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	body := decodeError(t, w)
	assert.Equal(t, string(models.KindNotFound), body.Error.Kind)
}

func TestReconnectStreamsLiveUntilTerminal(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	eng := &scriptEngine{script: func(ctx context.Context, req service.EngineRequest, emit func(map[string]interface{})) {
		emit(models.SessionEvent("sess-r5"))
		close(started)
		<-release
		emit(models.TextDeltaEvent("card1", "hello"))
		emit(models.ResultEvent(true, "bye", ""))
	}}
	router, svc := newTestRouter(t, eng, nil)

	mustCreate(t, svc, "bot", "r5")
	<-started

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/bot/r5/reconnect", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(w, req)
	}()

	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end at the terminal event")
	}

	frames := parseSSE(t, w.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, models.EventTypeStatus, frames[0].Event)
	assert.Equal(t, models.EventTypeComplete, frames[len(frames)-1].Event)

	// Whether the stream attached before or after the final events, the
	// replayed history and live queue must join up without duplicates.
	requireSequentialIDs(t, frames[1:], 1)

	task, err := svc.Get("bot", "r5")
	require.NoError(t, err)
	assert.NotNil(t, task.DeliveredAt)
}

func TestReconnectMidRunReplaysThenFollows(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	eng := &scriptEngine{script: func(ctx context.Context, req service.EngineRequest, emit func(map[string]interface{})) {
		emit(models.SessionEvent("sess-r6"))
		emit(models.TextDeltaEvent("card1", "part one"))
		close(started)
		<-release
		emit(models.TextDeltaEvent("card1", "part two"))
		emit(models.ResultEvent(true, "done", ""))
	}}
	router, svc := newTestRouter(t, eng, nil)

	mustCreate(t, svc, "bot", "r6")
	<-started

	// Wait for the first two events to land in the log.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := svc.ReplayEvents("bot", "r6", 0)
		require.NoError(t, err)
		if len(events) >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/bot/r6/reconnect", nil)
	req.Header.Set("Last-Event-ID", "1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(w, req)
	}()

	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end at the terminal event")
	}

	frames := parseSSE(t, w.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, models.EventTypeStatus, frames[0].Event)

	// The cursor said event 1 was seen, so the stream resumes at 2.
	requireSequentialIDs(t, frames[1:], 2)
	assert.Equal(t, models.EventTypeComplete, frames[len(frames)-1].Event)
}

func TestRepeatedReplayAfterDelivery(t *testing.T) {
	router, svc := newTestRouter(t, &scriptEngine{script: happyRun("sess-r7", "done")}, nil)

	mustCreate(t, svc, "bot", "r7")
	waitTerminal(t, svc, "bot", "r7")

	first := doRequest(router, http.MethodGet, "/tasks/bot/r7/reconnect", "", nil)
	require.Equal(t, http.StatusOK, first.Code)

	// A second full replay still works; its delivery conflict is
	// swallowed, not surfaced to the client.
	second := doRequest(router, http.MethodGet, "/tasks/bot/r7/reconnect", "", nil)
	require.Equal(t, http.StatusOK, second.Code)
	frames := parseSSE(t, second.Body.String())
	assert.Equal(t, models.EventTypeComplete, frames[len(frames)-1].Event)

	task, err := svc.Get("bot", "r7")
	require.NoError(t, err)
	assert.NotNil(t, task.DeliveredAt)
}
