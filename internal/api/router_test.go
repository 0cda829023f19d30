package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"integrahub/internal/breaker"
	"integrahub/internal/middleware"
	"integrahub/internal/model"
	"integrahub/internal/repository"
	"integrahub/internal/service"
	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/constraints"
	"integrahub/pkg/logger"
	"integrahub/pkg/signature"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
	gin.SetMode(gin.TestMode)
}

const (
	testAPIKey   = "key-crm"
	testAdminKey = "admin-secret"
)

type stubEvents struct {
	published []model.IntegrationEvent
	healthErr error
}

func (s *stubEvents) Publish(_ context.Context, eventType, source string, payload json.RawMessage) (*model.IntegrationEvent, error) {
	if strings.TrimSpace(eventType) == "" || !json.Valid(payload) {
		return nil, service.ErrInvalidEvent
	}
	e := model.IntegrationEvent{
		ID:           "5f0e7c1a-8a4b-4d7e-9a52-3c1f1b2d9e01",
		EventType:    eventType,
		SourceSystem: source,
		Payload:      string(payload),
		Status:       model.EventPending,
	}
	s.published = append(s.published, e)
	return &e, nil
}

func (s *stubEvents) GetEvent(_ context.Context, id string) (*service.EventDetail, error) {
	for i := range s.published {
		if s.published[i].ID == id {
			return &service.EventDetail{Event: &s.published[i]}, nil
		}
	}
	return nil, service.ErrEventNotFound
}

func (s *stubEvents) ListEvents(_ context.Context, f repository.EventFilter) ([]model.IntegrationEvent, int64, error) {
	var out []model.IntegrationEvent
	for _, e := range s.published {
		if f.Source != "" && e.SourceSystem != f.Source {
			continue
		}
		out = append(out, e)
	}
	return out, int64(len(out)), nil
}

func (s *stubEvents) Health(context.Context) error { return s.healthErr }

type stubOperator struct {
	endpoints map[uint64]*model.WebhookEndpoint
	replayed  []uint64
}

func (o *stubOperator) CreateEndpoint(_ context.Context, in service.EndpointInput) (*model.WebhookEndpoint, error) {
	if !strings.HasPrefix(in.URL, "http") {
		return nil, service.ErrInvalidEndpoint
	}
	ep := &model.WebhookEndpoint{ID: 7, SystemName: in.SystemName, URL: in.URL, EventTypes: in.EventTypes, SharedSecret: "generated", Status: model.EndpointActive}
	o.endpoints[ep.ID] = ep
	return ep, nil
}

func (o *stubOperator) ListEndpoints(context.Context, string) ([]model.WebhookEndpoint, error) {
	var out []model.WebhookEndpoint
	for _, ep := range o.endpoints {
		out = append(out, *ep)
	}
	return out, nil
}

func (o *stubOperator) GetEndpoint(_ context.Context, id uint64) (*model.WebhookEndpoint, error) {
	if ep, ok := o.endpoints[id]; ok {
		return ep, nil
	}
	return nil, service.ErrEndpointNotFound
}

func (o *stubOperator) UpdateEndpoint(ctx context.Context, id uint64, patch service.EndpointPatch) (*model.WebhookEndpoint, error) {
	ep, err := o.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		ep.Status = *patch.Status
	}
	return ep, nil
}

func (o *stubOperator) DeleteEndpoint(ctx context.Context, id uint64) error {
	if _, err := o.GetEndpoint(ctx, id); err != nil {
		return err
	}
	delete(o.endpoints, id)
	return nil
}

func (o *stubOperator) ListDeadLetters(context.Context, int, int) ([]model.DeadLetterEntry, int64, error) {
	return []model.DeadLetterEntry{{ID: 1, DeliveryID: 10, Reason: "max_attempts"}}, 1, nil
}

func (o *stubOperator) GetDeadLetter(_ context.Context, id uint64) (*service.DeadLetterDetail, error) {
	if id != 1 {
		return nil, service.ErrDeadLetterNotFound
	}
	return &service.DeadLetterDetail{
		Entry:    &model.DeadLetterEntry{ID: 1, DeliveryID: 10},
		Delivery: &model.WebhookDelivery{ID: 10, Status: model.DeliveryFailed},
	}, nil
}

func (o *stubOperator) ReplayDeadLetter(_ context.Context, id uint64) (*model.WebhookDelivery, error) {
	if id != 1 {
		return nil, service.ErrDeadLetterNotFound
	}
	o.replayed = append(o.replayed, id)
	return &model.WebhookDelivery{ID: 10, Status: model.DeliverySent, Attempts: 1}, nil
}

func (o *stubOperator) DiscardDeadLetter(_ context.Context, id uint64) error {
	if id != 1 {
		return service.ErrDeadLetterNotFound
	}
	return nil
}

func (o *stubOperator) ListCircuits(context.Context) ([]breaker.Status, error) {
	return []breaker.Status{{Service: "crm", State: breaker.Open, Failures: 5}}, nil
}

func (o *stubOperator) GetCircuit(_ context.Context, svc string) (*breaker.Status, error) {
	return &breaker.Status{Service: svc, State: breaker.Closed}, nil
}

func (o *stubOperator) ResetCircuit(_ context.Context, svc string) (*breaker.Status, error) {
	if svc == "boom" {
		return nil, errors.New("redis down")
	}
	return &breaker.Status{Service: svc, State: breaker.Closed}, nil
}

type stubMonitor struct{}

func (stubMonitor) Snapshot(context.Context) (*service.Dashboard, error) {
	return &service.Dashboard{Alerts: []service.Alert{}}, nil
}

type stubAuth struct{}

func (stubAuth) Authenticate(_ context.Context, key string) (*model.APIClient, error) {
	if key == testAPIKey {
		return &model.APIClient{ID: 1, Name: "crm"}, nil
	}
	return nil, service.ErrUnauthorized
}

type stubSecrets map[string]string

func (s stubSecrets) WebhookSecret(_ context.Context, system string) (string, error) {
	if v, ok := s[system]; ok {
		return v, nil
	}
	return "", service.ErrUnknownSystem
}

type testServer struct {
	router   *gin.Engine
	events   *stubEvents
	operator *stubOperator
	hub      *service.Hub
}

type nopFeed struct{}

func (nopFeed) IncOnline()  {}
func (nopFeed) DecOnline()  {}
func (nopFeed) RecordPush() {}

func newTestServer(t *testing.T, limit int) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := service.NewHub(nopFeed{}, time.Hour, 16)
	go hub.Run(ctx)

	events := &stubEvents{}
	operator := &stubOperator{endpoints: map[uint64]*model.WebhookEndpoint{}}
	limiter := middleware.NewRateLimiter(rdb, middleware.RateLimiterConfig{Limit: limit, Window: time.Minute}, nil)

	router := RegisterRoutes(Handlers{
		Events:   NewEventHandler(events),
		Webhooks: NewWebhookHandler(events),
		Admin:    NewAdminHandler(operator, stubMonitor{}),
		Stream:   NewStreamHandler(hub),
	}, Guards{
		Auth:     stubAuth{},
		Secrets:  stubSecrets{"whatsapp": "wa-secret"},
		Limiter:  limiter,
		AdminKey: testAdminKey,
	})
	return &testServer{router: router, events: events, operator: operator, hub: hub}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	s.router.ServeHTTP(w, req)
	return w
}

var (
	producer = map[string]string{constraints.HeaderAPIKey: testAPIKey}
	operator = map[string]string{constraints.HeaderAdminKey: testAdminKey}
)

func TestPublish(t *testing.T) {
	s := newTestServer(t, 60)

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		code    int
	}{
		{"accepted", `{"event_type":"order.created","source_system":"crm","payload":{"total":10}}`, producer, http.StatusAccepted},
		{"missing api key", `{"event_type":"order.created","source_system":"crm"}`, nil, http.StatusUnauthorized},
		{"unknown api key", `{"event_type":"order.created","source_system":"crm"}`, map[string]string{constraints.HeaderAPIKey: "nope"}, http.StatusForbidden},
		{"malformed json", `{"event_type":`, producer, http.StatusBadRequest},
		{"missing event type", `{"source_system":"crm","payload":{}}`, producer, http.StatusBadRequest},
		{"blank event type", `{"event_type":"  ","source_system":"crm","payload":{}}`, producer, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/v1/events", tt.body, tt.headers)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	require.Len(t, s.events.published, 1)
	w := s.do(http.MethodPost, "/v1/events", `{"event_type":"order.created","source_system":"crm","payload":{}}`, producer)
	var resp v1.PublishResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	assert.NotEmpty(t, resp.ID)
}

func TestPublish_RateLimited(t *testing.T) {
	s := newTestServer(t, 2)
	body := `{"event_type":"order.created","source_system":"crm","payload":{}}`

	assert.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/v1/events", body, producer).Code)
	assert.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/v1/events", body, producer).Code)
	w := s.do(http.MethodPost, "/v1/events", body, producer)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// reads are not limited
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/events", "", producer).Code)
}

func TestGetAndListEvents(t *testing.T) {
	s := newTestServer(t, 60)
	w := s.do(http.MethodPost, "/v1/events", `{"event_type":"order.created","source_system":"crm","payload":{"total":10}}`, producer)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := s.events.published[0].ID

	w = s.do(http.MethodGet, "/v1/events/"+id, "", producer)
	require.Equal(t, http.StatusOK, w.Code)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, map[string]any{"total": float64(10)}, detail["payload"], "payload rendered as JSON")

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/events/0b7c7a2e-1f8a-4c4d-bd8b-2e3b1f6f1a11", "", producer).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/v1/events/not-a-uuid", "", producer).Code)

	w = s.do(http.MethodGet, "/v1/events?source=crm", "", producer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/v1/events?status=lost", "", producer).Code)
}

func TestInboundWebhook(t *testing.T) {
	s := newTestServer(t, 60)
	body := `{"from":"+5511999","text":"hi"}`
	sig := signature.Sign([]byte(body), "wa-secret")

	w := s.do(http.MethodPost, "/v1/webhooks/whatsapp", body, map[string]string{
		constraints.HeaderSignature: sig,
		constraints.HeaderEventType: "message.received",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, s.events.published, 1)
	got := s.events.published[0]
	assert.Equal(t, "whatsapp", got.SourceSystem)
	assert.Equal(t, "message.received", got.EventType)
	assert.JSONEq(t, body, got.Payload)

	w = s.do(http.MethodPost, "/v1/webhooks/whatsapp", body, map[string]string{constraints.HeaderSignature: sig})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, constraints.DefaultInboundEventType, s.events.published[1].EventType)

	w = s.do(http.MethodPost, "/v1/webhooks/whatsapp", `{"from":"+5511999","text":"HI"}`, map[string]string{constraints.HeaderSignature: sig})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Len(t, s.events.published, 2, "tampered body must not be published")
}

func TestInboundWebhook_BadSignaturesAreLimited(t *testing.T) {
	s := newTestServer(t, 2)
	body := `{"from":"+5511999","text":"hi"}`
	forged := map[string]string{constraints.HeaderSignature: signature.Sign([]byte(body), "guessed")}

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/v1/webhooks/whatsapp", body, forged).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/v1/webhooks/whatsapp", body, forged).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodPost, "/v1/webhooks/whatsapp", body, forged).Code)

	// the caller IP is exhausted, a valid signature from it is throttled as well
	valid := map[string]string{constraints.HeaderSignature: signature.Sign([]byte(body), "wa-secret")}
	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodPost, "/v1/webhooks/whatsapp", body, valid).Code)
	assert.Empty(t, s.events.published)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t, 60)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/admin/endpoints", "", nil).Code)

	w := s.do(http.MethodPost, "/v1/admin/endpoints",
		`{"system_name":"billing","url":"https://billing.local/hook","event_types":"order.*"}`, operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"shared_secret":"generated"`)

	w = s.do(http.MethodGet, "/v1/admin/endpoints/7", "", operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "generated", "secret only revealed on create")

	w = s.do(http.MethodPost, "/v1/admin/endpoints",
		`{"system_name":"billing","url":"ftp://x","event_types":"*"}`, operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPatch, "/v1/admin/endpoints/7", `{"status":"inactive"}`, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.EndpointInactive, s.operator.endpoints[7].Status)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPatch, "/v1/admin/endpoints/7", `{"status":"paused"}`, operator).Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/v1/admin/endpoints/7", "", operator).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/v1/admin/endpoints/7", "", operator).Code)
}

func TestAdminDeadLettersAndCircuits(t *testing.T) {
	s := newTestServer(t, 60)

	w := s.do(http.MethodGet, "/v1/admin/dead-letters", "", operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = s.do(http.MethodGet, "/v1/admin/dead-letters/1", "", operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivery"`)

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/admin/dead-letters/1/replay", "", operator).Code)
	assert.Equal(t, []uint64{1}, s.operator.replayed)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/v1/admin/dead-letters/2/replay", "", operator).Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/v1/admin/dead-letters/1", "", operator).Code)

	w = s.do(http.MethodGet, "/v1/admin/circuits", "", operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"open"`)

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/admin/circuits/crm/reset", "", operator).Code)
	assert.Equal(t, http.StatusInternalServerError, s.do(http.MethodPost, "/v1/admin/circuits/boom/reset", "", operator).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/admin/dashboard", "", operator).Code)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, 60)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", nil).Code)

	s.events.healthErr = service.ErrRedisUnhealthy
	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestDashboardStream_CatchUp(t *testing.T) {
	s := newTestServer(t, 60)
	s.hub.Notify(v1.DeliveryNotice{SystemName: "crm", Outcome: v1.OutcomeSent})
	s.hub.Notify(v1.DeliveryNotice{SystemName: "billing", Outcome: v1.OutcomeRetry})
	s.hub.Notify(v1.DeliveryNotice{SystemName: "crm", Outcome: v1.OutcomeDeadLetter})
	require.Eventually(t, func() bool {
		n, ok := s.hub.GetSince(0)
		return ok && len(n) == 3
	}, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/v1/admin/stream?last_seq=1&systems=crm&admin_key="+testAdminKey, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var n v1.DeliveryNotice
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &n))
		assert.Equal(t, int64(3), n.Seq, "seq 2 belongs to billing and is filtered")
		assert.Equal(t, v1.OutcomeDeadLetter, n.Outcome)
		return
	}
	t.Fatal("stream ended without a catch-up notice")
}

func TestDashboardStream_ResetWhenAhead(t *testing.T) {
	s := newTestServer(t, 60)
	s.hub.Notify(v1.DeliveryNotice{SystemName: "crm", Outcome: v1.OutcomeSent})
	require.Eventually(t, func() bool { return s.hub.Latest() == 1 }, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/admin/stream?last_seq=99", nil)
	req.Header.Set(constraints.HeaderAdminKey, testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "event:reset", scanner.Text())
}

func TestDashboardStream_RequiresAdminKey(t *testing.T) {
	s := newTestServer(t, 60)
	w := s.do(http.MethodGet, "/v1/admin/stream", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
