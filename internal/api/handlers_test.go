package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/credentials"
	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/render"
	"github.com/ignite/dispatch-engine/internal/repository/memory"
	"github.com/ignite/dispatch-engine/internal/service/blacklist"
	"github.com/ignite/dispatch-engine/internal/service/dispatch"
	"github.com/ignite/dispatch-engine/internal/service/queue"
	"github.com/ignite/dispatch-engine/internal/service/ratelimit"
	"github.com/ignite/dispatch-engine/internal/service/registry"
	"github.com/ignite/dispatch-engine/internal/service/resolver"
	"github.com/ignite/dispatch-engine/internal/service/sending"
	"github.com/ignite/dispatch-engine/internal/tenant"
)

type stubFactory struct {
	mu      sync.Mutex
	failing map[string]error
}

type stubSender struct {
	f  *stubFactory
	id string
}

func (f *stubFactory) SenderFor(p *domain.Provider, _ map[string]string) (sending.Sender, error) {
	return &stubSender{f: f, id: p.ID}, nil
}

func (s *stubSender) Send(_ context.Context, _ *domain.EmailMessage) (*domain.SendResult, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.f.failing[s.id]; err != nil {
		return nil, err
	}
	return &domain.SendResult{MessageID: "msg-" + s.id}, nil
}

type testServer struct {
	store   *memory.Store
	factory *stubFactory
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	reg := registry.New(store.Providers(), credentials.NewStaticStore(nil))
	dir := tenant.NewAccountDirectory(store.Accounts())
	limiter := ratelimit.NewLimiter(store.Limits(), dir, ratelimit.DefaultThresholds)
	res := resolver.New(reg, dir, "")
	factory := &stubFactory{failing: map[string]error{}}
	bl := blacklist.NewService(store.Blacklist())
	tpl := render.NewMapSource(&render.Template{
		ID: "welcome", Version: 1, Subject: "Welcome {{ name }}", HTML: "<p>Hi {{ name }}</p>",
	})

	svc := queue.NewService(queue.Deps{
		Items:      store.Queue(),
		Claimer:    store.Queue(),
		Records:    store.Deliveries(),
		Rules:      store.Rules(),
		Resolver:   res,
		Dispatcher: dispatch.New(reg, limiter, factory, res, dispatch.Options{}),
		Blacklist:  bl,
		Renderer:   render.NewLiquidRenderer(tpl),
	}, queue.Options{WorkerID: "api-test"})

	store.PutProvider(domain.Provider{
		ID: "p1", Name: "Primary", Kind: domain.ProviderSMTP, Priority: 1,
		IsActive: true, IsEnabled: true, Health: domain.HealthHealthy,
	})
	store.PutProvider(domain.Provider{
		ID: "g1", Name: "Global", Kind: domain.ProviderSES, Priority: 5, IsGlobal: true,
		IsActive: true, IsEnabled: true, Health: domain.HealthHealthy,
	})
	store.PutBinding(domain.TenantProviderBinding{
		ID: "b1", TenantID: "t1", ProviderID: "p1", IsEnabled: true, IsPrimary: true,
		ConfigOverride: map[string]string{"from_email": "hello@acme.example"},
	})
	store.PutAccount(*domain.NewTenantAccount("t1", time.Now()))

	h := NewHandlers(Deps{Queue: svc, Providers: reg, Resolver: res, Limiter: limiter, Blacklist: bl})
	return &testServer{store: store, factory: factory, handler: SetupRoutes(h, nil, nil)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (s *testServer) enqueue(t *testing.T) uuid.UUID {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/queue", map[string]any{
		"tenant_id":    "t1",
		"recipient":    "ada@example.com",
		"subject":      "Hello",
		"html_content": "<p>Hello</p>",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[EnqueueResponse](t, rec)
	assert.Equal(t, domain.QueuePending, resp.Status)
	return resp.ID
}

func TestEnqueue_ValidationErrorDetails(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue", map[string]any{"tenant_id": "t1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[struct {
		Code    string              `json:"code"`
		Details map[string][]string `json:"details"`
	}](t, rec)
	assert.Equal(t, "validation_failed", resp.Code)
	assert.Contains(t, resp.Details["recipient"], "required")
	assert.Contains(t, resp.Details["subject"], "required")
}

func TestEnqueue_RejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue", map[string]any{"tenant_id": "t1", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueue_Template(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue", map[string]any{
		"tenant_id":   "t1",
		"recipient":   "ada@example.com",
		"subject":     "ignored",
		"template_id": "welcome",
		"vars":        map[string]any{"name": "Ada"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[EnqueueResponse](t, rec).ID

	rec = s.do(t, http.MethodGet, "/api/v1/queue/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	item := decode[domain.QueueItem](t, rec)
	assert.Equal(t, "Welcome Ada", item.Subject)
	assert.Equal(t, "<p>Hi Ada</p>", item.HTMLContent)
}

func TestEnqueue_UnknownTemplate(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue", map[string]any{
		"tenant_id":   "t1",
		"recipient":   "ada@example.com",
		"subject":     "x",
		"template_id": "missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcess_SendsAndReturnsTriple(t *testing.T) {
	s := newTestServer(t)
	id := s.enqueue(t)

	rec := s.do(t, http.MethodPost, "/api/v1/queue/"+id.String()+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ProcessResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, queue.OutcomeSent, resp.Outcome)
	assert.Equal(t, "p1", resp.Metadata[dispatch.MetaProviderID])
	require.NotNil(t, resp.Record)
	assert.Equal(t, "msg-p1", resp.Record.ProviderMessageID)

	// A second call reports the stored outcome without sending again.
	rec = s.do(t, http.MethodPost, "/api/v1/queue/"+id.String()+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[ProcessResponse](t, rec)
	assert.Equal(t, queue.OutcomeAlreadyDone, again.Outcome)
	assert.True(t, again.Success)

	rec = s.do(t, http.MethodGet, "/api/v1/queue/"+id.String()+"/outcome", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.DeliverySent, decode[domain.DeliveryRecord](t, rec).Status)
}

func TestProcess_PermanentFailure(t *testing.T) {
	s := newTestServer(t)
	rejected := &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	s.factory.failing["p1"] = rejected
	s.factory.failing["g1"] = rejected
	id := s.enqueue(t)

	rec := s.do(t, http.MethodPost, "/api/v1/queue/"+id.String()+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ProcessResponse](t, rec)
	assert.False(t, resp.Success)
	assert.False(t, resp.ShouldRetry)
	assert.NotEmpty(t, resp.Message)
}

func TestProcess_BadID(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue/not-a-uuid/process", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/queue/"+uuid.NewString()+"/process", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	s := newTestServer(t)
	id := s.enqueue(t)

	rec := s.do(t, http.MethodPost, "/api/v1/queue/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.DeliveryCancelled, decode[domain.DeliveryRecord](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/v1/queue/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOutcome_NoneYet(t *testing.T) {
	s := newTestServer(t)
	id := s.enqueue(t)
	rec := s.do(t, http.MethodGet, "/api/v1/queue/"+id.String()+"/outcome", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordEvent(t *testing.T) {
	s := newTestServer(t)
	id := s.enqueue(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/queue/"+id.String()+"/process", nil).Code)

	rec := s.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"recipient":           "ada@example.com",
		"provider_message_id": "msg-p1",
		"type":                "delivered",
		"status":              "delivered",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[domain.DeliveryRecord](t, rec)
	require.NotEmpty(t, got.Events)
	assert.Equal(t, "delivered", got.Events[len(got.Events)-1].Type)

	rec = s.do(t, http.MethodPost, "/api/v1/events", map[string]any{"recipient": "ada@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCanSend(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/tenants/t1/can-send", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CanSendResponse](t, rec)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "p1", resp.ProviderID)
	assert.Equal(t, resolver.SourceTenantPrimary, resp.Source)

	acc := domain.NewTenantAccount("t2", time.Now())
	acc.IsSuspended = true
	s.store.PutAccount(*acc)
	rec = s.do(t, http.MethodGet, "/api/v1/tenants/t2/can-send?provider_id=g1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[CanSendResponse](t, rec)
	assert.False(t, resp.Allowed)
	assert.Equal(t, ratelimit.LayerTenant, resp.Layer)

	rec = s.do(t, http.MethodGet, "/api/v1/tenants/t1/can-send?provider_id=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.store.PutProvider(domain.Provider{
		ID: "own-t2", Name: "T2 SMTP", Kind: domain.ProviderSMTP, OwnerTenantID: "t2",
		IsActive: true, IsEnabled: true, Health: domain.HealthHealthy,
	})
	rec = s.do(t, http.MethodGet, "/api/v1/tenants/t1/can-send?provider_id=own-t2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "another tenant's provider is not visible")
}

func TestProviderAdmin(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/v1/providers/g1/default", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPut, "/api/v1/providers/p1/default", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/api/v1/providers/zzz/default", nil).Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/v1/tenants/t1/bindings/b1/primary", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/api/v1/tenants/t2/bindings/b1/primary", nil).Code)
}

func TestBlacklistRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/tenants/t1/blacklist", map[string]any{"email": " Bob@Example.com "})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/tenants/t1/blacklist?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Data       []domain.BlacklistEntry `json:"data"`
		Pagination PaginationMeta          `json:"pagination"`
	}](t, rec)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "bob@example.com", page.Data[0].Email)
	assert.Equal(t, domain.ReasonManual, page.Data[0].Reason)
	assert.EqualValues(t, 1, page.Pagination.Total)

	rec = s.do(t, http.MethodDelete, "/api/v1/tenants/t1/blacklist/bob@example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/v1/tenants/t1/blacklist/bob@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/tenants/t1/blacklist", map[string]any{"email": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePagination(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?page=3&limit=1000", nil)
	p := ParsePagination(r, 50, 200)
	assert.Equal(t, PaginationParams{Page: 3, Limit: 200, Offset: 400}, p)

	resp := NewPaginatedResponse(nil, PaginationParams{Page: 1, Limit: 10}, 25)
	assert.Equal(t, 3, resp.Pagination.TotalPages)
	assert.True(t, resp.Pagination.HasMore)
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"}, "redis": {Status: "down", Message: notConfigured},
	}))
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "down", Message: "ping failed"},
	}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"}, "redis": {Status: "down", Message: "ping failed"},
	}))
}
