package handlers

import (
	"errors"

	"kupon/internal/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// SignatureHeader carries the gateway's webhook signature.
const SignatureHeader = "Stripe-Signature"

// WebhookHandler receives gateway payment events.
type WebhookHandler struct {
	service *services.WebhookService
	logger  *zap.Logger
}

func NewWebhookHandler(service *services.WebhookService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: logger}
}

// RegisterRoutes registers the webhook route. It must not sit behind session auth.
func (h *WebhookHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/webhooks/stripe", h.HandleStripe)
}

// HandleStripe verifies the raw body and applies the event. Signature failures
// are rejected and transient database aborts ask for redelivery; everything else
// is acknowledged so the gateway stops retrying.
func (h *WebhookHandler) HandleStripe(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns.
	payload := append([]byte(nil), c.Body()...)

	evt, err := h.service.Verify(payload, c.Get(SignatureHeader))
	if err != nil {
		if errors.Is(err, services.ErrInvalidSignature) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"message": "Invalid webhook signature",
			})
		}
		h.logger.Error("undecodable webhook event", zap.Error(err))
		return c.JSON(fiber.Map{
			"received": true,
			"outcome":  services.OutcomeError,
			"error":    err.Error(),
		})
	}

	result := h.service.Apply(c.UserContext(), evt)
	if result.Retry {
		// The transaction was aborted by the database; let the gateway redeliver.
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"message":  "Event could not be applied, retry later",
			"event_id": result.EventID,
			"error":    result.Error,
		})
	}
	body := fiber.Map{
		"received": true,
		"event_id": result.EventID,
		"type":     result.Type,
		"outcome":  result.Outcome,
	}
	if result.Error != "" {
		body["error"] = result.Error
	}
	return c.JSON(body)
}
