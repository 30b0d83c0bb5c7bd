package handlers

import (
	"strings"

	"kupon/internal/models"
	"kupon/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AddCartItemRequest names exactly one of a coupon or a package.
type AddCartItemRequest struct {
	CouponID  string `json:"coupon_id" validate:"required_without=PackageID,excluded_with=PackageID"`
	PackageID string `json:"package_id" validate:"required_without=CouponID"`
	Quantity  int    `json:"quantity" validate:"required,gt=0,lte=1000"`
}

// CartHandler handles HTTP requests for the user's cart.
type CartHandler struct {
	service  *services.CartService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewCartHandler(service *services.CartService, logger *zap.Logger) *CartHandler {
	return &CartHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes registers the cart routes. router must be session-protected.
func (h *CartHandler) RegisterRoutes(router fiber.Router) {
	cartRoutes := router.Group("/cart")
	cartRoutes.Get("/", h.HandleGetCart)
	cartRoutes.Get("/totals", h.HandleGetTotals)
	cartRoutes.Post("/items", h.HandleAddItem)
	cartRoutes.Delete("/items/:id", h.HandleRemoveItem)
	cartRoutes.Delete("/", h.HandleClear)
}

func (h *CartHandler) HandleGetCart(c *fiber.Ctx) error {
	items, err := h.service.List(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, h.logger, "Could not retrieve cart", err)
	}
	return c.JSON(items)
}

// HandleGetTotals prices the cart in the currencies of ?currencies=USD,EUR.
func (h *CartHandler) HandleGetTotals(c *fiber.Ctx) error {
	var currencies []string
	for _, cur := range strings.Split(c.Query("currencies", "USD"), ",") {
		if cur = strings.TrimSpace(cur); cur != "" {
			currencies = append(currencies, cur)
		}
	}
	totals, err := h.service.Totals(c.UserContext(), currentUserID(c), currencies)
	if err != nil {
		return respondError(c, h.logger, "Could not compute cart totals", err)
	}
	return c.JSON(fiber.Map{"totals": totals})
}

func (h *CartHandler) HandleAddItem(c *fiber.Ctx) error {
	var req AddCartItemRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	ref := models.CouponRef(req.CouponID)
	if req.PackageID != "" {
		ref = models.PackageRef(req.PackageID)
	}
	item, err := h.service.AddItem(c.UserContext(), currentUserID(c), ref, req.Quantity)
	if err != nil {
		return respondError(c, h.logger, "Could not add item to cart", err)
	}
	return c.Status(fiber.StatusCreated).JSON(item)
}

func (h *CartHandler) HandleRemoveItem(c *fiber.Ctx) error {
	if err := h.service.RemoveItem(c.UserContext(), currentUserID(c), c.Params("id")); err != nil {
		return respondError(c, h.logger, "Could not remove cart item", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *CartHandler) HandleClear(c *fiber.Ctx) error {
	if err := h.service.Clear(c.UserContext(), currentUserID(c)); err != nil {
		return respondError(c, h.logger, "Could not clear cart", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
