package handlers

import (
	"encoding/json"

	"kupon/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// BridgeSignatureHeader carries the hex HMAC of the raw request body.
const BridgeSignatureHeader = "X-Signature"

// BridgeHandler serves trusted external systems that open payments on behalf of buyers.
type BridgeHandler struct {
	service  *services.BridgeService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewBridgeHandler(service *services.BridgeService, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{service: service, validate: validator.New(), logger: logger}
}

func (h *BridgeHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/external/payment-links", h.HandlePaymentLink)
}

func (h *BridgeHandler) HandlePaymentLink(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	if err := h.service.VerifySignature(body, c.Get(BridgeSignatureHeader)); err != nil {
		return respondError(c, h.logger, "Invalid request signature", err)
	}

	var req services.BridgeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return badRequest(c, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	result, err := h.service.RequestPaymentLink(c.UserContext(), req)
	if err != nil {
		return respondError(c, h.logger, "Could not create payment link", err)
	}
	status := fiber.StatusCreated
	if result.Reused {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(result)
}
