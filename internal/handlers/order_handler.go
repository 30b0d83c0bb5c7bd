package handlers

import (
	"kupon/internal/models"
	"kupon/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckoutRequest converts the cart into an order.
type CheckoutRequest struct {
	Currency      string           `json:"currency" validate:"required,len=3"`
	PaymentMethod string           `json:"payment_method" validate:"omitempty,oneof=free mock stripe"`
	Total         *decimal.Decimal `json:"total,omitempty"`
	// Pay initiates payment right away for gateway orders.
	Pay    bool   `json:"pay"`
	Origin string `json:"origin,omitempty" validate:"omitempty,url"`
}

// PayRequest selects the payment UI origin. The body is optional.
type PayRequest struct {
	Origin string `json:"origin,omitempty" validate:"omitempty,url"`
}

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	service  *services.OrderService
	payments *services.PaymentService
	validate *validator.Validate
	logger   *zap.Logger
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(service *services.OrderService, payments *services.PaymentService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		service:  service,
		payments: payments,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes registers the order routes. router must be session-protected.
func (h *OrderHandler) RegisterRoutes(router fiber.Router) {
	orderRoutes := router.Group("/orders")
	orderRoutes.Get("/", h.HandleGetOrders)
	orderRoutes.Post("/checkout", h.HandleCheckout)
	orderRoutes.Get("/:id", h.HandleGetOrderByID)
	orderRoutes.Get("/:id/payment", h.HandleGetPayment)
	orderRoutes.Post("/:id/pay", h.HandlePay)
	orderRoutes.Post("/:id/cancel", h.HandleCancel)
}

// HandleGetOrders lists the caller's orders, newest first.
func (h *OrderHandler) HandleGetOrders(c *fiber.Ctx) error {
	orders, err := h.service.ListOrders(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, h.logger, "Could not retrieve orders", err)
	}
	return c.JSON(orders)
}

func (h *OrderHandler) HandleGetOrderByID(c *fiber.Ctx) error {
	order, err := h.service.GetOrder(c.UserContext(), currentUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "Could not retrieve order", err)
	}
	return c.JSON(order)
}

// HandleCheckout prices the cart server-side and places the order.
func (h *OrderHandler) HandleCheckout(c *fiber.Ctx) error {
	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return validationFailed(c, err)
	}

	in := services.CheckoutInput{
		UserID:        currentUserID(c),
		Currency:      req.Currency,
		Method:        models.PaymentMethod(req.PaymentMethod),
		DeclaredTotal: req.Total,
	}
	if req.Pay {
		result, err := h.service.CheckoutAndPay(c.UserContext(), in, req.Origin)
		if err != nil {
			if result != nil {
				// The order exists; only payment initiation failed.
				return c.Status(errorStatus(err)).JSON(fiber.Map{
					"message": "Order placed but payment could not be initiated",
					"error":   err.Error(),
					"order":   result.Order,
				})
			}
			return respondError(c, h.logger, "Checkout failed", err)
		}
		return c.Status(fiber.StatusCreated).JSON(result)
	}

	order, err := h.service.Checkout(c.UserContext(), in)
	if err != nil {
		return respondError(c, h.logger, "Checkout failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(services.CheckoutResult{Order: order})
}

// HandlePay opens a payment for a pending_payment order and returns the payment link.
func (h *OrderHandler) HandlePay(c *fiber.Ctx) error {
	var req PayRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, err)
		}
		if err := h.validate.Struct(req); err != nil {
			return validationFailed(c, err)
		}
	}
	session, err := h.service.InitiatePayment(c.UserContext(), currentUserID(c), c.Params("id"), services.PaymentOptions{Origin: req.Origin})
	if err != nil {
		return respondError(c, h.logger, "Could not initiate payment", err)
	}
	return c.JSON(session)
}

// HandleGetPayment refreshes the order's payment from the gateway.
func (h *OrderHandler) HandleGetPayment(c *fiber.Ctx) error {
	order, err := h.service.GetOrder(c.UserContext(), currentUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "Could not retrieve order", err)
	}
	payment, err := h.payments.RetrieveIntent(c.UserContext(), order.ID)
	if err != nil {
		return respondError(c, h.logger, "Could not retrieve payment", err)
	}
	return c.JSON(payment)
}

func (h *OrderHandler) HandleCancel(c *fiber.Ctx) error {
	order, err := h.service.CancelOrder(c.UserContext(), currentUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "Could not cancel order", err)
	}
	return c.JSON(order)
}
