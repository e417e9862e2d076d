package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carephone/carephone/internal/api/middleware"
	"github.com/carephone/carephone/internal/callsession"
	"github.com/carephone/carephone/internal/database"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/nag"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/sip"
	"github.com/carephone/carephone/internal/telephony"
	"github.com/carephone/carephone/internal/watch"
)

var testSecret = []byte("test-secret-test-secret-test-sec")

type fakeCalls struct {
	mu      sync.Mutex
	current *callsession.CallSession
	err     error
	placed  []string
	ops     []string
	speaker bool
	feed    *watch.Notifier[*callsession.CallSession]
}

func (f *fakeCalls) Current() *callsession.CallSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeCalls) Subscribe() (<-chan *callsession.CallSession, func()) { return f.feed.Subscribe() }

func (f *fakeCalls) PlaceCall(_ context.Context, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.placed = append(f.placed, number)
	f.current = &callsession.CallSession{ID: "c1", PhoneNumber: number, State: telephony.StateDialing}
	return nil
}

func (f *fakeCalls) op(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, name)
	return f.err
}

func (f *fakeCalls) Answer(context.Context) error  { return f.op("answer") }
func (f *fakeCalls) Reject(context.Context) error  { return f.op("reject") }
func (f *fakeCalls) EndCall(context.Context) error { return f.op("end") }

func (f *fakeCalls) ToggleSpeaker() (bool, error) {
	if err := f.op("speaker"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaker = !f.speaker
	return f.speaker, nil
}

func (f *fakeCalls) ToggleMute() (bool, error) { return false, f.op("mute") }

type fakeMissed struct {
	*watch.Notifier[[]models.CallLogEntry]
	active []models.CallLogEntry
}

func (f *fakeMissed) Active() []models.CallLogEntry { return f.active }

type fakeNag struct {
	*watch.Notifier[nag.Status]
	missed    *fakeMissed
	dismissed []int64
}

func (f *fakeNag) Status() nag.Status { return nag.Status{State: nag.StateWatching} }

func (f *fakeNag) DismissAll(context.Context) error {
	f.dismissed = append(f.dismissed, 0)
	f.missed.active = nil
	return nil
}

func (f *fakeNag) Dismiss(_ context.Context, id int64) error {
	f.dismissed = append(f.dismissed, id)
	return nil
}

type fakeRegistration struct{}

func (fakeRegistration) Registration() sip.RegistrationStatus {
	return sip.RegistrationStatus{State: sip.RegistrationRegistered}
}

type testEnv struct {
	srv      *Server
	calls    *fakeCalls
	missed   *fakeMissed
	nag      *fakeNag
	policy   *policy.Store
	contacts database.ContactRepository
	callLog  database.CallLogRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	settings, err := database.NewSettingsRepository(ctx, db)
	if err != nil {
		t.Fatalf("settings repository: %v", err)
	}
	store, err := policy.NewStore(ctx, settings, logger)
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	t.Cleanup(store.Close)

	// The manager publishes the idle state when it is created.
	feed := watch.NewNotifier[*callsession.CallSession]()
	feed.Publish(nil)
	missed := &fakeMissed{Notifier: watch.NewNotifier[[]models.CallLogEntry]()}
	env := &testEnv{
		calls:    &fakeCalls{feed: feed},
		missed:   missed,
		nag:      &fakeNag{Notifier: watch.NewNotifier[nag.Status](), missed: missed},
		policy:   store,
		contacts: database.NewContactRepository(db),
		callLog:  database.NewCallLogRepository(db),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "carephone_test_total", Help: "test"}))

	env.srv = NewServer(Config{
		Calls:        env.calls,
		Missed:       env.missed,
		Nag:          env.nag,
		Policy:       store,
		Contacts:     env.contacts,
		CallLog:      env.callLog,
		Registration: fakeRegistration{},
		Gatherer:     registry,
		JWTSecret:    testSecret,
		Logger:       logger,
	})
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	return rr
}

func carerToken(t *testing.T) string {
	t.Helper()
	token, _, err := middleware.GenerateCarerToken(testSecret, "test-login")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	env := struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}{}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope %q: %v", rr.Body.String(), err)
	}
	if dst != nil {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			t.Fatalf("decoding data %s: %v", env.Data, err)
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/health", "/api/v1/health"} {
		if rr := env.do(t, http.MethodGet, path, "", nil); rr.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rr.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "carephone_test_total") {
		t.Errorf("metrics output missing registered collector:\n%s", rr.Body.String())
	}
}

func TestCallCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"no call", fmt.Errorf("answer: %w", telephony.ErrUnsupportedOperation), http.StatusConflict},
		{"line down", telephony.ErrPermissionDenied, http.StatusForbidden},
		{"timeout", telephony.ErrTimeout, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.calls.err = tt.err
			for _, path := range []string{"/api/v1/call/answer", "/api/v1/call/reject", "/api/v1/call/end", "/api/v1/call/mute"} {
				if rr := env.do(t, http.MethodPost, path, "", nil); rr.Code != tt.want {
					t.Errorf("POST %s = %d, want %d", path, rr.Code, tt.want)
				}
			}
			if len(env.calls.ops) != 4 {
				t.Errorf("ops = %v", env.calls.ops)
			}
		})
	}
}

func TestPlaceCall(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		body any
		want int
	}{
		{map[string]string{"number": ""}, http.StatusBadRequest},
		{map[string]string{"number": "call mum"}, http.StatusBadRequest},
		{map[string]any{"number": "07700 900123", "extra": true}, http.StatusBadRequest},
		{map[string]string{"number": "07700 900123"}, http.StatusAccepted},
	}
	for _, tt := range tests {
		if rr := env.do(t, http.MethodPost, "/api/v1/call/place", "", tt.body); rr.Code != tt.want {
			t.Errorf("place %v = %d, want %d (%s)", tt.body, rr.Code, tt.want, rr.Body.String())
		}
	}
	if len(env.calls.placed) != 1 || env.calls.placed[0] != "07700 900123" {
		t.Fatalf("placed = %v", env.calls.placed)
	}

	var current callsession.CallSession
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/call", "", nil), &current)
	if current.State != telephony.StateDialing {
		t.Errorf("current state = %s", current.State)
	}
}

func TestToggleSpeaker(t *testing.T) {
	env := newTestEnv(t)
	var resp toggleResponse
	decodeData(t, env.do(t, http.MethodPost, "/api/v1/call/speaker", "", nil), &resp)
	if !resp.On {
		t.Error("speaker should be on after the first toggle")
	}
}

func TestCarerRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/v1/contacts", "/api/v1/settings", "/api/v1/call-log"} {
		if rr := env.do(t, http.MethodGet, path, "", nil); rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d", path, rr.Code)
		}
	}
	if rr := env.do(t, http.MethodPost, "/api/v1/missed-calls/dismiss", "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("dismiss without token = %d", rr.Code)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{PIN: "12"}); rr.Code != http.StatusBadRequest {
		t.Errorf("short pin = %d, want 400", rr.Code)
	}

	rr := env.do(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{PIN: "4821"})
	if rr.Code != http.StatusOK {
		t.Fatalf("first login = %d (%s)", rr.Code, rr.Body.String())
	}
	var first loginResponse
	decodeData(t, rr, &first)
	if !first.PINSet || first.Token == "" {
		t.Errorf("first login response = %+v", first)
	}
	if env.policy.Snapshot().CarerPINHash == "" {
		t.Fatal("pin hash not stored")
	}

	if rr := env.do(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{PIN: "0000"}); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong pin = %d, want 401", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/auth/login", "", loginRequest{PIN: "4821"})
	var second loginResponse
	decodeData(t, rr, &second)
	if rr.Code != http.StatusOK || second.PINSet {
		t.Fatalf("second login = %d %+v", rr.Code, second)
	}

	if rr := env.do(t, http.MethodGet, "/api/v1/contacts", second.Token, nil); rr.Code != http.StatusOK {
		t.Errorf("contacts with issued token = %d", rr.Code)
	}
}

func TestContactCRUD(t *testing.T) {
	env := newTestEnv(t)
	token := carerToken(t)

	rr := env.do(t, http.MethodPost, "/api/v1/contacts", token, map[string]any{
		"name": "Jane", "phone_number": "+44 7700 900123", "contact_type": "carer", "auto_answer": true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d (%s)", rr.Code, rr.Body.String())
	}
	var created contactResponse
	decodeData(t, rr, &created)
	if created.ID == 0 || created.ContactType != "carer" || !created.AutoAnswer {
		t.Fatalf("created = %+v", created)
	}

	invalid := []map[string]any{
		{"name": "", "phone_number": "123"},
		{"name": "Bob", "phone_number": "none"},
		{"name": "Bob", "phone_number": "123", "contact_type": "friend"},
		{"name": "Bob", "phone_number": "123", "priority": 500},
	}
	for _, body := range invalid {
		if rr := env.do(t, http.MethodPost, "/api/v1/contacts", token, body); rr.Code != http.StatusBadRequest {
			t.Errorf("create %v = %d, want 400", body, rr.Code)
		}
	}

	path := fmt.Sprintf("/api/v1/contacts/%d", created.ID)
	rr = env.do(t, http.MethodPut, path, token, map[string]any{
		"name": "Jane Smith", "phone_number": "07700 900123", "contact_type": "grey_list",
	})
	var updated contactResponse
	decodeData(t, rr, &updated)
	if rr.Code != http.StatusOK || updated.Name != "Jane Smith" || updated.ContactType != "grey_list" || !updated.AutoAnswer {
		t.Fatalf("update = %d %+v", rr.Code, updated)
	}

	var list []contactResponse
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/contacts", token, nil), &list)
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	if rr := env.do(t, http.MethodDelete, path, token, nil); rr.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, path, token, nil); rr.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/api/v1/contacts/abc", token, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d", rr.Code)
	}
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t)
	token := carerToken(t)

	rr := env.do(t, http.MethodPut, "/api/v1/settings", token, map[string]any{
		"user_name": "Margaret", "feature_level": 3, "reject_unknown_calls": false, "carer_pin": "9876",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("update = %d (%s)", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "argon2") {
		t.Fatal("pin hash leaked in response")
	}
	var got settingsResponse
	decodeData(t, rr, &got)
	if got.UserName != "Margaret" || got.FeatureLevel != policy.FeatureLevel(3) || got.RejectUnknownCalls || !got.HasPIN {
		t.Errorf("settings = %+v", got)
	}
	// Untouched fields keep their values.
	if got.EmergencyNumber != policy.Defaults().EmergencyNumber {
		t.Errorf("emergency number changed to %q", got.EmergencyNumber)
	}

	invalid := []map[string]any{
		{"feature_level": 9},
		{"tts_speed": 5.0},
		{"user_name": ""},
		{"carer_alert_email": "not-an-email"},
		{"carer_pin": "12ab"},
		{"unknown_setting": true},
	}
	for _, body := range invalid {
		if rr := env.do(t, http.MethodPut, "/api/v1/settings", token, body); rr.Code != http.StatusBadRequest {
			t.Errorf("update %v = %d, want 400", body, rr.Code)
		}
	}
	if env.policy.Snapshot().UserName != "Margaret" {
		t.Error("rejected update changed the policy")
	}
}

func TestListCallLog(t *testing.T) {
	env := newTestEnv(t)
	token := carerToken(t)
	ctx := context.Background()

	for i, typ := range []models.CallType{models.CallTypeIncoming, models.CallTypeMissed, models.CallTypeMissed} {
		e := &models.CallLogEntry{PhoneNumber: fmt.Sprintf("0770090012%d", i), Type: typ, Timestamp: time.Now()}
		if err := env.callLog.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	var page struct {
		Items []callLogResponse `json:"items"`
		Total int               `json:"total"`
	}
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/call-log?type=missed&limit=1", token, nil), &page)
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].Type != "missed" {
		t.Errorf("page = %+v", page)
	}

	if rr := env.do(t, http.MethodGet, "/api/v1/call-log?type=voicemail", token, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown type = %d", rr.Code)
	}
}

func TestDismissMissedCalls(t *testing.T) {
	env := newTestEnv(t)
	token := carerToken(t)
	env.missed.active = []models.CallLogEntry{{ID: 7, Type: models.CallTypeMissed, Timestamp: time.Now()}}

	var shown []callLogResponse
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/missed-calls", "", nil), &shown)
	if len(shown) != 1 || shown[0].ID != 7 {
		t.Fatalf("missed calls = %+v", shown)
	}

	if rr := env.do(t, http.MethodPost, "/api/v1/missed-calls/7/dismiss", token, nil); rr.Code != http.StatusOK {
		t.Errorf("dismiss one = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/v1/missed-calls/x/dismiss", token, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("dismiss bad id = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/v1/missed-calls/dismiss", token, nil); rr.Code != http.StatusOK {
		t.Errorf("dismiss all = %d", rr.Code)
	}
	if len(env.nag.dismissed) != 2 || env.nag.dismissed[0] != 7 || env.nag.dismissed[1] != 0 {
		t.Errorf("dismissed = %v", env.nag.dismissed)
	}
}

func TestRegistration(t *testing.T) {
	env := newTestEnv(t)
	var st sip.RegistrationStatus
	decodeData(t, env.do(t, http.MethodGet, "/api/v1/registration", "", nil), &st)
	if st.State != sip.RegistrationRegistered {
		t.Errorf("registration = %+v", st)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() eventMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg eventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != eventCall || msg.Data != nil {
		t.Fatalf("first event = %+v, want idle call", msg)
	}

	// The idle call is sent once; the next frame is the missed set.
	env.missed.Publish([]models.CallLogEntry{{ID: 3, Type: models.CallTypeMissed, PhoneNumber: "07700900123"}})
	msg := read()
	if msg.Type != eventMissedCalls {
		t.Fatalf("event = %+v, want missed calls after a single call event", msg)
	}
	if items, ok := msg.Data.([]any); !ok || len(items) != 1 {
		t.Errorf("missed set = %#v", msg.Data)
	}

	env.nag.Publish(nag.Status{State: nag.StateNagging, Unread: 1})
	if msg := read(); msg.Type != eventNag {
		t.Fatalf("event = %+v, want nag status", msg)
	}
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected handshake to fail for a foreign origin")
	}
}

func TestWriteCommandError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeCommandError(rr, "test", fmt.Errorf("wrapped: %w", telephony.ErrPermissionDenied))
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}
