package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/foresight/rcm/internal/platform/auth"
	pipeline "github.com/foresight/rcm/internal/platform/webhook"
)

func newTestHandler(t *testing.T) (*Handler, *testDeps, *echo.Echo) {
	d := newTestDeps(t)
	return NewHandler(d.svc), d, echo.New()
}

func newCtx(e *echo.Echo, method, body, org string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if org != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), "user-1", org, roles...))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestCreateWebhook_Success(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"name":"claims","url":"https://hooks.example.com/x","environment":"production","events":["claim.*"]}`
	c, rec := newCtx(e, http.MethodPost, body, "org-1")

	if err := h.CreateWebhook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got WebhookConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if got.OrganizationID != "org-1" || got.HealthStatus != pipeline.HealthHealthy {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestCreateWebhook_Errors(t *testing.T) {
	h, _, e := newTestHandler(t)

	c, _ := newCtx(e, http.MethodPost, `{"name":"x"}`, "")
	expectStatus(t, h.CreateWebhook(c), http.StatusForbidden)

	c, _ = newCtx(e, http.MethodPost, `{not json`, "org-1")
	expectStatus(t, h.CreateWebhook(c), http.StatusBadRequest)

	c, _ = newCtx(e, http.MethodPost, `{"name":"x","url":"https://internal.example.com","events":["*"]}`, "org-1")
	expectStatus(t, h.CreateWebhook(c), http.StatusBadRequest)

	body := `{"name":"dup","url":"https://hooks.example.com","events":["*"]}`
	c, _ = newCtx(e, http.MethodPost, body, "org-1")
	if err := h.CreateWebhook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ = newCtx(e, http.MethodPost, body, "org-1")
	expectStatus(t, h.CreateWebhook(c), http.StatusConflict)
}

func TestGetWebhook(t *testing.T) {
	h, d, e := newTestHandler(t)
	w, _ := d.svc.Create(context.Background(), "org-1", validCreate())

	c, rec := newCtx(e, http.MethodGet, "", "org-1")
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	if err := h.GetWebhook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newCtx(e, http.MethodGet, "", "org-2")
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	expectStatus(t, h.GetWebhook(c), http.StatusNotFound)

	c, _ = newCtx(e, http.MethodGet, "", "org-1")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectStatus(t, h.GetWebhook(c), http.StatusBadRequest)
}

func TestListWebhooks_Paginated(t *testing.T) {
	h, d, e := newTestHandler(t)
	for _, name := range []string{"a", "b", "c"} {
		req := validCreate()
		req.Name = name
		if _, err := d.svc.Create(context.Background(), "org-1", req); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/?limit=2", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "u", "org-1"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListWebhooks(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data    []WebhookConfig `json:"data"`
		Total   int             `json:"total"`
		HasMore bool            `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore {
		t.Errorf("unexpected page: total=%d len=%d more=%v", resp.Total, len(resp.Data), resp.HasMore)
	}
}

func TestUpdateWebhook(t *testing.T) {
	h, d, e := newTestHandler(t)
	w, _ := d.svc.Create(context.Background(), "org-1", validCreate())

	c, rec := newCtx(e, http.MethodPut, `{"events":["payment.*"]}`, "org-1")
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	if err := h.UpdateWebhook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if got := d.repo.store[w.ID].Events; len(got) != 1 || got[0] != "payment.*" {
		t.Errorf("expected events updated, got %v", got)
	}
}

func TestDeactivateAndReactivateWebhook(t *testing.T) {
	h, d, e := newTestHandler(t)
	w, _ := d.svc.Create(context.Background(), "org-1", validCreate())

	c, rec := newCtx(e, http.MethodDelete, "", "org-1")
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	if err := h.DeactivateWebhook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if d.repo.store[w.ID].IsActive {
		t.Error("expected inactive")
	}

	c, rec = newCtx(e, http.MethodPost, "", "org-1")
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	if err := h.ReactivateWebhook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || !d.repo.store[w.ID].IsActive {
		t.Errorf("expected reactivated, got %d", rec.Code)
	}

	c, _ = newCtx(e, http.MethodDelete, "", "org-1")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectStatus(t, h.DeactivateWebhook(c), http.StatusNotFound)
}

func TestTestWebhook(t *testing.T) {
	h, d, e := newTestHandler(t)
	w, _ := d.svc.Create(context.Background(), "org-1", validCreate())

	c, rec := newCtx(e, http.MethodPost, "", "org-1")
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	if err := h.TestWebhook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	if len(d.queue.jobs) != 1 || d.queue.jobs[0].UserID != "user-1" {
		t.Errorf("expected test job from user-1, got %v", d.queue.jobs)
	}

	d.queue.err = errors.New("boom")
	c, _ = newCtx(e, http.MethodPost, "", "org-1")
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	expectStatus(t, h.TestWebhook(c), http.StatusInternalServerError)
}

func TestListDeliveries(t *testing.T) {
	h, d, e := newTestHandler(t)
	w, _ := d.svc.Create(context.Background(), "org-1", validCreate())
	d.repo.deliveries[w.ID] = []*pipeline.DeliveryRecord{
		{ID: uuid.New(), WebhookConfigID: w.ID, Status: pipeline.DeliveryFailed},
	}

	c, rec := newCtx(e, http.MethodGet, "", "org-1")
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	if err := h.ListDeliveries(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"failed"`) {
		t.Errorf("expected delivery in body, got %s", rec.Body.String())
	}
}

func TestRetryDelivery_Handler(t *testing.T) {
	h, d, e := newTestHandler(t)
	w, _ := d.svc.Create(context.Background(), "org-1", validCreate())
	failed := storedDelivery(t, w.ID, pipeline.DeliveryFailed)
	completed := storedDelivery(t, w.ID, pipeline.DeliveryCompleted)
	d.repo.deliveries[w.ID] = []*pipeline.DeliveryRecord{failed, completed}

	retryCtx := func(id, deliveryID string) (echo.Context, *httptest.ResponseRecorder) {
		c, rec := newCtx(e, http.MethodPost, "", "org-1")
		c.SetParamNames("id", "deliveryId")
		c.SetParamValues(id, deliveryID)
		return c, rec
	}

	c, rec := retryCtx(w.ID.String(), failed.ID.String())
	if err := h.RetryDelivery(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if body["queued"] != true || body["event_type"] != "claim.denied" || body["delivery_id"] != failed.ID.String() {
		t.Errorf("unexpected body %v", body)
	}
	if len(d.queue.jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(d.queue.jobs))
	}

	c, _ = retryCtx(w.ID.String(), completed.ID.String())
	expectStatus(t, h.RetryDelivery(c), http.StatusBadRequest)

	c, _ = retryCtx(w.ID.String(), uuid.New().String())
	expectStatus(t, h.RetryDelivery(c), http.StatusNotFound)

	c, _ = retryCtx(w.ID.String(), "nope")
	expectStatus(t, h.RetryDelivery(c), http.StatusBadRequest)
}

func TestRegisterRoutes_RequiresRole(t *testing.T) {
	h, _, e := newTestHandler(t)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			ctx := auth.WithIdentity(c.Request().Context(), "u", "org-1", roles...)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	tests := []struct {
		roles string
		want  int
	}{
		{"viewer", http.StatusForbidden},
		{RoleWebhookAdmin, http.StatusOK},
		{auth.RoleAdmin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.roles, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil)
			req.Header.Set("X-Test-Roles", tt.roles)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
