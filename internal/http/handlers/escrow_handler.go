package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/produce-export/backend/internal/http/dto"
	"github.com/produce-export/backend/internal/middleware"
	"github.com/produce-export/backend/internal/models"
	"github.com/produce-export/backend/internal/payments"
	"github.com/produce-export/backend/internal/services"
	"go.uber.org/zap"
)

// EscrowEngine is the lifecycle surface the handler drives.
type EscrowEngine interface {
	Init(ctx context.Context, req services.InitRequest, actor services.Actor) (*models.EscrowContract, string, error)
	Sync(ctx context.Context, id uuid.UUID) (*models.EscrowContract, error)
	Release(ctx context.Context, id uuid.UUID, verdict models.Verdict, notes *string, actor services.Actor) (*models.EscrowContract, error)
	ScheduleInspection(ctx context.Context, id uuid.UUID, providerName, location string, actor services.Actor) (*models.EscrowContract, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string, actor services.Actor) (*models.EscrowContract, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EscrowContract, error)
	Events(ctx context.Context, id uuid.UUID) ([]models.AuditLog, error)
}

type EscrowHandler struct {
	escrow EscrowEngine
	log    *zap.Logger
}

func NewEscrowHandler(escrow EscrowEngine, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrow: escrow, log: log}
}

func (h *EscrowHandler) Init(c *fiber.Ctx) error {
	var req dto.InitEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	in := services.InitRequest{
		RFQID:      req.RFQID,
		LotID:      req.LotID,
		PassportID: req.PassportID,
		Buyer:      party(req.Buyer),
		Seller:     party(req.Seller),
		Amount:     req.Amount,
		Currency:   models.Currency(strings.ToUpper(strings.TrimSpace(req.Currency))),
	}
	if req.Inspection != nil {
		in.RequireInspection = req.Inspection.Required
		in.InspectionProvider = req.Inspection.ProviderName
		in.InspectionLocation = req.Inspection.Location
	}

	contract, checkoutURL, err := h.escrow.Init(c.UserContext(), in, actorFrom(c))
	if err != nil {
		return h.fail(c, nil, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dto.InitEscrowResponse{
		Contract:    contract,
		CheckoutURL: checkoutURL,
	}})
}

// SyncReturn handles the redirect back from checkout. result is informational;
// the provider is always asked for the real state.
func (h *EscrowHandler) SyncReturn(c *fiber.Ctx) error {
	id, ok := dto.FirstID(c.Query("escrowId"), c.Query("escrow_id"), c.Query("contractId"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id", Field: "escrowId"})
	}
	if c.Query("sync") != "1" {
		return h.get(c, id)
	}
	if result := c.Query("result"); result != "" {
		h.log.Info("checkout returned", zap.String("escrow_id", id.String()), zap.String("result", result))
	}

	contract, err := h.escrow.Sync(c.UserContext(), id)
	if err != nil {
		return h.fail(c, contract, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *EscrowHandler) Release(c *fiber.Ctx) error {
	var req dto.ReleaseEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	id, ok := req.ID()
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id", Field: "escrow_id"})
	}

	verdict := models.Verdict(strings.ToLower(strings.TrimSpace(req.Verdict)))
	contract, err := h.escrow.Release(c.UserContext(), id, verdict, req.Notes, actorFrom(c))
	if err != nil {
		return h.fail(c, contract, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *EscrowHandler) ScheduleInspection(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	var req dto.ScheduleInspectionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	contract, err := h.escrow.ScheduleInspection(c.UserContext(), id, req.ProviderName, req.Location, actorFrom(c))
	if err != nil {
		return h.fail(c, contract, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *EscrowHandler) Cancel(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	var req dto.CancelEscrowRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
		}
	}

	contract, err := h.escrow.Cancel(c.UserContext(), id, req.Reason, actorFrom(c))
	if err != nil {
		return h.fail(c, contract, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *EscrowHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	return h.get(c, id)
}

func (h *EscrowHandler) get(c *fiber.Ctx, id uuid.UUID) error {
	contract, err := h.escrow.Get(c.UserContext(), id)
	if err != nil {
		return h.fail(c, nil, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: contract})
}

func (h *EscrowHandler) Events(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}
	if _, err := h.escrow.Get(c.UserContext(), id); err != nil {
		return h.fail(c, nil, err)
	}

	logs, err := h.escrow.Events(c.UserContext(), id)
	if err != nil {
		return h.fail(c, nil, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: logs})
}

// fail maps engine errors to responses. Rejections that leave the contract
// readable carry it in the body.
func (h *EscrowHandler) fail(c *fiber.Ctx, contract *models.EscrowContract, err error) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	resp := dto.ErrorResponse{Error: err.Error(), RequestID: reqID}
	if contract != nil {
		resp.Data = contract
	}

	var ve *services.ValidationError
	switch {
	case errors.As(err, &ve):
		resp.Field = ve.Field
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	case errors.Is(err, services.ErrInvalidVerdict):
		resp.Field = "verdict"
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	case errors.Is(err, services.ErrNotFound):
		resp.Error = "escrow not found"
		return c.Status(fiber.StatusNotFound).JSON(resp)
	case errors.Is(err, services.ErrAlreadyFinalized):
		return c.JSON(dto.SuccessResponse{OK: true, Code: "already_finalized", Data: contract})
	case errors.Is(err, services.ErrNotYetFunded):
		resp.Code = "not_yet_funded"
		return c.Status(fiber.StatusConflict).JSON(resp)
	case errors.Is(err, services.ErrConcurrentModification):
		resp.Code = "concurrent_modification"
		return c.Status(fiber.StatusConflict).JSON(resp)
	case payments.IsTransient(err):
		resp.Code = "provider_unavailable"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	case payments.IsPermanent(err):
		resp.Code = "provider_rejected"
		return c.Status(fiber.StatusBadGateway).JSON(resp)
	}

	h.log.Error("escrow request failed", zap.String("request_id", reqID), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error", RequestID: reqID})
}

func party(p dto.PartyRequest) models.Party {
	return models.Party{
		Name:         strings.TrimSpace(p.Name),
		Organisation: strings.TrimSpace(p.Organisation),
		Country:      strings.TrimSpace(p.Country),
		Contact:      strings.TrimSpace(p.Contact),
	}
}

func actorFrom(c *fiber.Ctx) services.Actor {
	claims := middleware.GetClaims(c)
	if claims == nil {
		return services.Actor{}
	}
	id := claims.UserID
	return services.Actor{UserID: &id, Role: claims.Role, Name: claims.Name, Organisation: claims.Organisation}
}
