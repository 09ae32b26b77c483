package serverutils

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/store"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{Success: true, Message: message, Data: data}
}

// ErrorHandlerMiddleware converts downstream errors into JSON
// responses. Fiber errors keep their status; tenant-key and validation
// problems map to 400; everything else is a logged 500.
func ErrorHandlerMiddleware(log logger.ILogger) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return ctx.Status(fiberErr.Code).JSON(APIResponse{Success: false, Message: fiberErr.Message})
		}
		if errors.Is(err, store.ErrBadTenantKey) {
			return ctx.Status(fiber.StatusBadRequest).JSON(APIResponse{Success: false, Message: err.Error()})
		}

		log.Error("HTTP", "Unhandled error", map[string]interface{}{
			"path": ctx.Path(), "error": err.Error(),
		})
		return ctx.Status(fiber.StatusInternalServerError).JSON(APIResponse{Success: false, Message: "internal server error"})
	}
}
