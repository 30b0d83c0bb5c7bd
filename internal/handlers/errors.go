package handlers

import (
	"errors"
	"fmt"

	"kupon/internal/models"
	"kupon/internal/services"
	"kupon/pkg/gateway"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var tokenReasonStatus = map[services.TokenReason]int{
	services.ReasonSignatureInvalid: fiber.StatusUnauthorized,
	services.ReasonOriginMismatch:   fiber.StatusUnauthorized,
	services.ReasonNotFound:         fiber.StatusNotFound,
	services.ReasonAlreadyUsed:      fiber.StatusConflict,
	services.ReasonPaymentFinalized: fiber.StatusConflict,
	services.ReasonSuperseded:       fiber.StatusConflict,
	services.ReasonExpired:          fiber.StatusGone,
}

// errorStatus maps a service error onto an HTTP status.
func errorStatus(err error) int {
	var (
		tokenErr *services.TokenError
		gwErr    *gateway.Error
	)
	switch {
	case errors.As(err, &tokenErr):
		if status, ok := tokenReasonStatus[tokenErr.Reason]; ok {
			return status
		}
		return fiber.StatusUnauthorized
	case errors.Is(err, services.ErrInvalidSignature), errors.Is(err, services.ErrInvalidSession):
		return fiber.StatusUnauthorized
	case errors.Is(err, services.ErrNotOrderOwner):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrCouponNotFound),
		errors.Is(err, services.ErrPackageNotFound),
		errors.Is(err, services.ErrPaymentNotFound),
		errors.Is(err, services.ErrCartItemNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrInsufficientStock),
		errors.Is(err, services.ErrLimitReached),
		errors.Is(err, services.ErrCouponInactive),
		errors.Is(err, services.ErrAlreadyPaid),
		errors.Is(err, services.ErrPaymentFinalized),
		errors.Is(err, services.ErrInvalidOrderState),
		errors.Is(err, services.ErrReferenceConflict):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrEmptyCart),
		errors.Is(err, services.ErrInvalidQuantity),
		errors.Is(err, services.ErrInvalidCurrency),
		errors.Is(err, services.ErrUnsupportedPaymentMethod),
		errors.Is(err, services.ErrDisallowedOrigin),
		errors.Is(err, models.ErrInvalidLine):
		return fiber.StatusBadRequest
	case errors.As(err, &gwErr):
		return fiber.StatusPaymentRequired
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes err in the service's error format.
func respondError(c *fiber.Ctx, logger *zap.Logger, message string, err error) error {
	status := errorStatus(err)
	body := fiber.Map{
		"message": message,
		"error":   err.Error(),
	}

	var (
		tokenErr *services.TokenError
		gwErr    *gateway.Error
	)
	if errors.As(err, &tokenErr) {
		body["reason"] = tokenErr.Reason
	}
	if status == fiber.StatusPaymentRequired && errors.As(err, &gwErr) {
		body["error"] = gwErr.UserMessage()
	}

	if status >= fiber.StatusInternalServerError {
		logger.Error(message, zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"message": "Invalid request body",
		"error":   err.Error(),
	})
}

// validationFailed reports validator errors field by field.
func validationFailed(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return badRequest(c, err)
	}
	errorMessages := make(map[string]string)
	for _, e := range validationErrors {
		errorMessages[e.Field()] = fmt.Sprintf("Field '%s' failed on the '%s' tag", e.Field(), e.Tag())
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"message": "Validation failed",
		"errors":  errorMessages,
	})
}

// currentUserID is set by middleware.AuthRequired.
func currentUserID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}
