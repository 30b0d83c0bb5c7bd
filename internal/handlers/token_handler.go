package handlers

import (
	"kupon/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// TokenRequest is sent by the payment UI. Origin falls back to the Origin header.
type TokenRequest struct {
	Token  string `json:"token" validate:"required"`
	Origin string `json:"origin,omitempty"`
}

// TokenHandler serves the payment UI, which authenticates with payment tokens
// instead of user sessions.
type TokenHandler struct {
	service  *services.PaymentTokenService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewTokenHandler(service *services.PaymentTokenService, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{service: service, validate: validator.New(), logger: logger}
}

func (h *TokenHandler) RegisterRoutes(router fiber.Router) {
	tokenRoutes := router.Group("/payment-tokens")
	tokenRoutes.Post("/validate", h.HandleValidate)
	tokenRoutes.Post("/mark-used", h.HandleMarkUsed)
}

func (h *TokenHandler) parse(c *fiber.Ctx) (*TokenRequest, error) {
	var req TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, badRequest(c, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return nil, validationFailed(c, err)
	}
	if req.Origin == "" {
		req.Origin = c.Get(fiber.HeaderOrigin)
	}
	return &req, nil
}

// HandleValidate exchanges a token for the payment context the UI needs to confirm the payment.
func (h *TokenHandler) HandleValidate(c *fiber.Ctx) error {
	req, respErr := h.parse(c)
	if req == nil {
		return respErr
	}
	tc, err := h.service.Validate(c.UserContext(), req.Token, req.Origin)
	if err != nil {
		return respondError(c, h.logger, "Invalid payment token", err)
	}
	return c.JSON(tc)
}

func (h *TokenHandler) HandleMarkUsed(c *fiber.Ctx) error {
	req, respErr := h.parse(c)
	if req == nil {
		return respErr
	}
	if err := h.service.MarkUsed(c.UserContext(), req.Token); err != nil {
		return respondError(c, h.logger, "Could not consume payment token", err)
	}
	return c.JSON(fiber.Map{"message": "Payment token consumed"})
}
