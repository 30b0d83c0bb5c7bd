package handlers

import (
	"kupon/internal/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// CatalogHandler exposes read-only coupon and package lookups.
type CatalogHandler struct {
	service *services.CatalogService
	logger  *zap.Logger
}

func NewCatalogHandler(service *services.CatalogService, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{service: service, logger: logger}
}

func (h *CatalogHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/coupons/:id", h.HandleGetCoupon)
	router.Get("/packages/:id", h.HandleGetPackage)
}

func (h *CatalogHandler) HandleGetCoupon(c *fiber.Ctx) error {
	coupon, err := h.service.GetCoupon(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "Could not retrieve coupon", err)
	}
	return c.JSON(coupon)
}

func (h *CatalogHandler) HandleGetPackage(c *fiber.Ctx) error {
	pkg, err := h.service.GetPackage(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "Could not retrieve package", err)
	}
	return c.JSON(pkg)
}
