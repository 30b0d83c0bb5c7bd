package handlers

import (
	"kupon/internal/models"
	"kupon/internal/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// WalletHandler serves the caller's granted coupons and session identity.
type WalletHandler struct {
	service *services.WalletService
	logger  *zap.Logger
}

func NewWalletHandler(service *services.WalletService, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{service: service, logger: logger}
}

// RegisterRoutes registers the wallet routes. router must be session-protected.
func (h *WalletHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/wallet", h.HandleGetWallet)
	router.Get("/me", h.HandleMe)
}

func (h *WalletHandler) HandleGetWallet(c *fiber.Ctx) error {
	coupons, err := h.service.List(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, h.logger, "Could not retrieve wallet", err)
	}
	return c.JSON(coupons)
}

// HandleMe returns the user resolved by middleware.AuthRequired.
func (h *WalletHandler) HandleMe(c *fiber.Ctx) error {
	user, ok := c.Locals("user").(*models.User)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "Not authenticated"})
	}
	return c.JSON(user)
}
