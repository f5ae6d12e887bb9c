package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/produce-export/backend/internal/auth"
	"github.com/produce-export/backend/internal/middleware"
	"github.com/produce-export/backend/internal/models"
	"github.com/produce-export/backend/internal/payments"
	"github.com/produce-export/backend/internal/rbac"
	"github.com/produce-export/backend/internal/services"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEngine struct {
	contract *models.EscrowContract
	err      error

	gotInit    services.InitRequest
	gotVerdict models.Verdict
	gotID      uuid.UUID
	gotActor   services.Actor
	synced     bool
}

func (s *stubEngine) Init(_ context.Context, req services.InitRequest, actor services.Actor) (*models.EscrowContract, string, error) {
	s.gotInit, s.gotActor = req, actor
	if s.err != nil {
		return nil, "", s.err
	}
	return s.contract, "https://pay.test/cs_1", nil
}

func (s *stubEngine) Sync(_ context.Context, id uuid.UUID) (*models.EscrowContract, error) {
	s.gotID, s.synced = id, true
	return s.contract, s.err
}

func (s *stubEngine) Release(_ context.Context, id uuid.UUID, v models.Verdict, _ *string, actor services.Actor) (*models.EscrowContract, error) {
	s.gotID, s.gotVerdict, s.gotActor = id, v, actor
	return s.contract, s.err
}

func (s *stubEngine) ScheduleInspection(_ context.Context, id uuid.UUID, _, _ string, _ services.Actor) (*models.EscrowContract, error) {
	s.gotID = id
	return s.contract, s.err
}

func (s *stubEngine) Cancel(_ context.Context, id uuid.UUID, _ string, _ services.Actor) (*models.EscrowContract, error) {
	s.gotID = id
	return s.contract, s.err
}

func (s *stubEngine) Get(_ context.Context, id uuid.UUID) (*models.EscrowContract, error) {
	s.gotID = id
	if s.err != nil {
		return nil, s.err
	}
	return s.contract, nil
}

func (s *stubEngine) Events(context.Context, uuid.UUID) ([]models.AuditLog, error) {
	return []models.AuditLog{{Action: "escrow_status_draft_to_awaiting_deposit"}}, nil
}

func newTestApp(t *testing.T, engine EscrowEngine) *fiber.App {
	t.Helper()
	h := NewEscrowHandler(engine, zap.NewNop())
	app := fiber.New()
	app.Use(middleware.RequestIDMiddleware())
	api := app.Group("/api/v1", middleware.AuthMiddleware("secret", zap.NewNop()))
	api.Post("/escrow/init", middleware.RequirePermission(rbac.PermEscrowInit), h.Init)
	api.Get("/escrow/init", middleware.RequirePermission(rbac.PermEscrowSync), h.SyncReturn)
	api.Post("/escrow/release", middleware.RequirePermission(rbac.PermEscrowRelease), h.Release)
	api.Post("/escrow/:id/cancel", middleware.RequirePermission(rbac.PermEscrowCancel), h.Cancel)
	api.Get("/escrow/:id", middleware.RequirePermission(rbac.PermEscrowRead), h.Get)
	api.Get("/escrow/:id/events", middleware.RequirePermission(rbac.PermEscrowRead), h.Events)
	return app
}

func do(t *testing.T, app *fiber.App, role, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	tok, err := auth.GenerateJWT("secret", uuid.New(), role, "Tester", "Org", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func sampleContract(status models.EscrowStatus) *models.EscrowContract {
	return &models.EscrowContract{ID: uuid.New(), RFQID: "RFQ-1", Status: status, Version: 2}
}

func TestInitHandler(t *testing.T) {
	engine := &stubEngine{contract: sampleContract(models.EscrowStatusAwaitingDeposit)}
	app := newTestApp(t, engine)

	code, body := do(t, app, rbac.RoleBuyer, "POST", "/api/v1/escrow/init",
		`{"rfq_id":"RFQ-1","amount":"1000.00","currency":"usd","buyer":{"name":" Anna "},"inspection":{"required":false}}`)
	require.Equal(t, fiber.StatusCreated, code)
	data := body["data"].(map[string]any)
	require.Equal(t, "https://pay.test/cs_1", data["checkout_url"])

	require.Equal(t, models.CurrencyUSD, engine.gotInit.Currency)
	require.Equal(t, "Anna", engine.gotInit.Buyer.Name)
	require.NotNil(t, engine.gotInit.RequireInspection)
	require.False(t, *engine.gotInit.RequireInspection)
	require.Equal(t, rbac.RoleBuyer, engine.gotActor.Role)
	require.NotNil(t, engine.gotActor.UserID)
}

func TestInitHandlerForbiddenForSeller(t *testing.T) {
	app := newTestApp(t, &stubEngine{})
	code, _ := do(t, app, rbac.RoleSeller, "POST", "/api/v1/escrow/init", `{}`)
	require.Equal(t, fiber.StatusForbidden, code)
}

func TestSyncReturnAcceptsLegacyParam(t *testing.T) {
	c := sampleContract(models.EscrowStatusFunded)
	engine := &stubEngine{contract: c}
	app := newTestApp(t, engine)

	code, _ := do(t, app, rbac.RoleBuyer, "GET", "/api/v1/escrow/init?escrowId="+c.ID.String()+"&sync=1&result=success", "")
	require.Equal(t, fiber.StatusOK, code)
	require.True(t, engine.synced)
	require.Equal(t, c.ID, engine.gotID)

	code, _ = do(t, app, rbac.RoleBuyer, "GET", "/api/v1/escrow/init?escrowId=nope&sync=1", "")
	require.Equal(t, fiber.StatusBadRequest, code)
}

func TestReleaseErrorMapping(t *testing.T) {
	c := sampleContract(models.EscrowStatusReleased)
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantTag  string
	}{
		{"ok", nil, fiber.StatusOK, ""},
		{"validation", &services.ValidationError{Field: "amount", Msg: "must be positive"}, fiber.StatusBadRequest, ""},
		{"invalid verdict", services.ErrInvalidVerdict, fiber.StatusBadRequest, ""},
		{"not found", services.ErrNotFound, fiber.StatusNotFound, ""},
		{"already finalized", services.ErrAlreadyFinalized, fiber.StatusOK, "already_finalized"},
		{"not yet funded", services.ErrNotYetFunded, fiber.StatusConflict, "not_yet_funded"},
		{"conflict", services.ErrConcurrentModification, fiber.StatusConflict, "concurrent_modification"},
		{"transient", payments.NewTransient("capture", errors.New("503")), fiber.StatusServiceUnavailable, "provider_unavailable"},
		{"permanent", payments.NewPermanent("capture", errors.New("declined")), fiber.StatusBadGateway, "provider_rejected"},
		{"unknown", errors.New("boom"), fiber.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, &stubEngine{contract: c, err: tt.err})
			code, body := do(t, app, rbac.RoleInspector, "POST", "/api/v1/escrow/release",
				`{"escrow_id":"`+c.ID.String()+`","verdict":"Passed"}`)
			require.Equal(t, tt.wantCode, code)
			if tt.wantTag != "" {
				require.Equal(t, tt.wantTag, body["code"])
			}
		})
	}
}

func TestReleaseCarriesContractOnNotYetFunded(t *testing.T) {
	c := sampleContract(models.EscrowStatusAwaitingDeposit)
	engine := &stubEngine{contract: c, err: services.ErrNotYetFunded}
	app := newTestApp(t, engine)

	code, body := do(t, app, rbac.RoleInspector, "POST", "/api/v1/escrow/release",
		`{"contractId":"`+c.ID.String()+`","verdict":"passed"}`)
	require.Equal(t, fiber.StatusConflict, code)
	data := body["data"].(map[string]any)
	require.Equal(t, string(models.EscrowStatusAwaitingDeposit), data["status"])
	require.Equal(t, models.VerdictPassed, engine.gotVerdict)
}

func TestReleaseMissingID(t *testing.T) {
	app := newTestApp(t, &stubEngine{})
	code, body := do(t, app, rbac.RoleInspector, "POST", "/api/v1/escrow/release", `{"verdict":"passed"}`)
	require.Equal(t, fiber.StatusBadRequest, code)
	require.Equal(t, "escrow_id", body["field"])
}

func TestGetAndEvents(t *testing.T) {
	c := sampleContract(models.EscrowStatusFunded)
	app := newTestApp(t, &stubEngine{contract: c})

	code, body := do(t, app, rbac.RoleSeller, "GET", "/api/v1/escrow/"+c.ID.String(), "")
	require.Equal(t, fiber.StatusOK, code)
	require.Equal(t, c.ID.String(), body["data"].(map[string]any)["id"])

	code, body = do(t, app, rbac.RoleSeller, "GET", "/api/v1/escrow/"+c.ID.String()+"/events", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Len(t, body["data"], 1)

	missing := newTestApp(t, &stubEngine{err: services.ErrNotFound})
	code, _ = do(t, missing, rbac.RoleSeller, "GET", "/api/v1/escrow/"+uuid.NewString(), "")
	require.Equal(t, fiber.StatusNotFound, code)
}

func TestCancelWithoutBody(t *testing.T) {
	c := sampleContract(models.EscrowStatusCancelled)
	engine := &stubEngine{contract: c}
	app := newTestApp(t, engine)

	code, _ := do(t, app, rbac.RoleBuyer, "POST", "/api/v1/escrow/"+c.ID.String()+"/cancel", "")
	require.Equal(t, fiber.StatusOK, code)
	require.Equal(t, c.ID, engine.gotID)
}
