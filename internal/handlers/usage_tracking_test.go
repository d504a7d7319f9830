package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicwork-backend/internal/logging"
	"magicwork-backend/internal/middleware"
	"magicwork-backend/internal/models"
	"magicwork-backend/internal/services"
	"magicwork-backend/internal/testutil"
)

type fixture struct {
	h     *UsageTrackingHandler
	store *testutil.MemStore
	clock *quartz.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMemStore()
	clock := quartz.NewMock(t)
	svc := services.NewPresenceService(store, logging.NewNop(), services.WithClock(clock))
	return &fixture{h: NewUsageTrackingHandler(svc), store: store, clock: clock}
}

func (f *fixture) post(action, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/usage-tracking?action="+action, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.h.Post(rr, req)
	return rr
}

func (f *fixture) get(query string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.h.Get(rr, httptest.NewRequest(http.MethodGet, "/usage-tracking?"+query, nil))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func TestStart_ReturnsSessionID(t *testing.T) {
	f := newFixture(t)

	rr := f.post("start", `{"session_id":"x1","space_name":"Slow Morning","card_index":0}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	body := decode[map[string]interface{}](t, rr)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "x1", body["session_id"])
	assert.Equal(t, 1, f.store.ActiveRows())
}

func TestStart_CardZeroIsNotMissing(t *testing.T) {
	f := newFixture(t)

	rr := f.post("start", `{"session_id":"zero","space_name":"S","card_index":0}`)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestStart_AcceptsCompleteOnlyFields(t *testing.T) {
	f := newFixture(t)

	rr := f.post("start", `{
		"session_id":"full","space_name":"S","card_index":1,"card_id":"c-1",
		"video_url":"https://cdn/v.mp4","audio_url":"https://cdn/a.mp3",
		"selected_duration_minutes":10,"voice_audio_selected":"voice-2"
	}`)
	require.Equal(t, http.StatusOK, rr.Code)

	row, ok := f.store.Active("full")
	require.True(t, ok)
	require.NotNil(t, row.CardID)
	assert.Equal(t, "c-1", *row.CardID)
}

func TestStart_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing session id", `{"space_name":"S","card_index":1}`},
		{"missing space", `{"session_id":"a","card_index":1}`},
		{"missing card", `{"session_id":"a","space_name":"S"}`},
		{"card out of range", `{"session_id":"a","space_name":"S","card_index":9}`},
		{"malformed json", `{"session_id":`},
		{"empty body", ``},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rr := f.post("start", tc.body)

			require.Equal(t, http.StatusBadRequest, rr.Code)
			body := decode[models.ErrorResponse](t, rr)
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, 0, f.store.ActiveRows())
		})
	}
}

func TestStart_StorageErrorIs500WithDetails(t *testing.T) {
	f := newFixture(t)
	f.store.Fail["UpsertActive"] = errors.New("connection reset by peer")

	rr := f.post("start", `{"session_id":"x","space_name":"S","card_index":0}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	body := decode[models.ErrorResponse](t, rr)
	assert.Equal(t, "Internal server error", body.Error)
	assert.Contains(t, body.Details, "connection reset by peer")
}

func TestStart_UsesTokenIdentityWhenBodyOmitsUser(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/usage-tracking?action=start",
		strings.NewReader(`{"session_id":"tok","space_name":"S","card_index":2}`))
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, "user-7"))
	rr := httptest.NewRecorder()
	f.h.Post(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	row, ok := f.store.Active("tok")
	require.True(t, ok)
	require.NotNil(t, row.UserID)
	assert.Equal(t, "user-7", *row.UserID)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post("start", `{"session_id":"hb","space_name":"S","card_index":1}`).Code)

	rr := f.post("heartbeat", `{"session_id":"hb"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]bool{"success": true}, decode[map[string]bool](t, rr))

	rr = f.post("heartbeat", `{"session_id":"unknown"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]bool{"success": false}, decode[map[string]bool](t, rr))
}

func TestHeartbeat_AfterExpiryReportsFalseAndStaysDead(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post("start", `{"session_id":"late","space_name":"S","card_index":1}`).Code)

	f.clock.Advance(5*time.Minute + time.Second)
	rr := f.post("heartbeat", `{"session_id":"late"}`)
	assert.Equal(t, map[string]bool{"success": false}, decode[map[string]bool](t, rr))

	rr = f.get("action=live-count&space=S&card=1")
	assert.Equal(t, map[string]int{"count": 0}, decode[map[string]int](t, rr))
}

func TestHeartbeat_MissingSessionID(t *testing.T) {
	f := newFixture(t)

	rr := f.post("heartbeat", `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestComplete_RoundTrip(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post("start", `{"session_id":"rt","space_name":"S","card_index":3}`).Code)

	rr := f.post("complete", `{
		"session_id":"rt","space_name":"S","card_index":3,"duration_seconds":300,
		"selected_duration_minutes":5,"voice_audio_selected":"voice-1","completion_message_shown":"Well done"
	}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]bool{"success": true}, decode[map[string]bool](t, rr))

	assert.Equal(t, 0, f.store.ActiveRows())
	history := f.store.HistoryRecords()
	require.Len(t, history, 1)
	assert.Equal(t, 300, history[0].DurationSeconds)
	assert.Equal(t, "Well done", *history[0].CompletionMessageShown)
}

func TestComplete_MissingDuration(t *testing.T) {
	f := newFixture(t)

	rr := f.post("complete", `{"session_id":"rt","space_name":"S","card_index":3}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.store.HistoryRecords())
}

func TestComplete_OversizedDurationIs400(t *testing.T) {
	f := newFixture(t)

	for _, d := range []string{"86401", "2147483648", "10000000000"} {
		rr := f.post("complete", `{"session_id":"rt","space_name":"S","card_index":3,"duration_seconds":`+d+`}`)
		require.Equal(t, http.StatusBadRequest, rr.Code, d)
		body := decode[models.ErrorResponse](t, rr)
		assert.Contains(t, body.Error, "duration_seconds")
		assert.Empty(t, body.Details)
	}
	assert.Empty(t, f.store.HistoryRecords())
}

func TestComplete_StorageErrorIs500(t *testing.T) {
	f := newFixture(t)
	f.store.Fail["CompleteSession"] = errors.New("deadlock detected")

	rr := f.post("complete", `{"session_id":"rt","space_name":"S","card_index":3,"duration_seconds":10}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, decode[models.ErrorResponse](t, rr).Details, "deadlock detected")
}

func TestPost_InvalidAction(t *testing.T) {
	f := newFixture(t)

	for _, action := range []string{"", "stop", "live-count"} {
		rr := f.post(action, `{}`)
		require.Equal(t, http.StatusBadRequest, rr.Code, "action %q", action)
		assert.Equal(t, "Invalid action", decode[models.ErrorResponse](t, rr).Error)
	}
}

func TestLiveCount(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.post("start", `{"session_id":"x1","space_name":"Slow Morning","card_index":0}`).Code)

	rr := f.get("action=live-count&space=Slow+Morning&card=0")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]int{"count": 1}, decode[map[string]int](t, rr))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestLiveCount_BadParams(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{
		"action=live-count&card=0",
		"action=live-count&space=S",
		"action=live-count&space=S&card=",
		"action=live-count&space=S&card=abc",
		"action=live-count&space=S&card=4",
	} {
		rr := f.get(q)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestLiveCount_StorageErrorStillOK(t *testing.T) {
	f := newFixture(t)
	f.store.Fail["SweepExpired"] = errors.New("db down")

	rr := f.get("action=live-count&space=S&card=0")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]int{"count": 0}, decode[map[string]int](t, rr))
}

func TestLiveCounts_AlwaysFourKeys(t *testing.T) {
	f := newFixture(t)

	rr := f.get("action=live-counts&space=Unknown+Space")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]int{"0": 0, "1": 0, "2": 0, "3": 0}, decode[map[string]int](t, rr))

	require.Equal(t, http.StatusOK, f.post("start", `{"session_id":"a","space_name":"S","card_index":2}`).Code)
	f.store.Fail["CountLiveByCard"] = errors.New("db down")
	rr = f.get("action=live-counts&space=S")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]int{"0": 0, "1": 0, "2": 0, "3": 0}, decode[map[string]int](t, rr))
}

func TestLiveCounts_MissingSpace(t *testing.T) {
	f := newFixture(t)

	rr := f.get("action=live-counts")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Missing space parameter", decode[models.ErrorResponse](t, rr).Error)
}

func TestGet_InvalidAction(t *testing.T) {
	f := newFixture(t)

	rr := f.get("action=start")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK,
		f.post("complete", `{"session_id":"h1","user_id":"u1","space_name":"S","card_index":0,"duration_seconds":60}`).Code)

	rr := f.get("action=history&user_id=u1")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string][]models.PracticeSessionRecord](t, rr)
	require.Len(t, body["sessions"], 1)
	assert.Equal(t, "h1", body["sessions"][0].SessionID)

	assert.Equal(t, http.StatusBadRequest, f.get("action=history").Code)
	assert.Equal(t, http.StatusBadRequest, f.get("action=history&user_id=u1&limit=-2").Code)
}

func TestHistory_StorageErrorIs500(t *testing.T) {
	f := newFixture(t)
	f.store.Fail["ListHistory"] = errors.New("db down")

	rr := f.get("action=history&space=S")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	MethodNotAllowed(rr, httptest.NewRequest(http.MethodDelete, "/usage-tracking", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "Method not allowed", decode[models.ErrorResponse](t, rr).Error)
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(ctx context.Context) error { return s.err }

func TestHealth(t *testing.T) {
	for _, tc := range []struct {
		name string
		db   Pinger
		want string
	}{
		{"db up", stubPinger{}, "ok"},
		{"db down", stubPinger{err: errors.New("refused")}, "unavailable"},
		{"no db", nil, "unavailable"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewHealthHandler(tc.db).Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, http.StatusOK, rr.Code)
			body := decode[map[string]string](t, rr)
			assert.Equal(t, "ok", body["status"])
			assert.Equal(t, tc.want, body["database"])
		})
	}
}
