package serverutils

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// ValidateRequest runs struct validation and turns the first failure
// into a 400 fiber error.
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) && len(invalid) > 0 {
		f := invalid[0]
		return fiber.NewError(fiber.StatusBadRequest,
			fmt.Sprintf("field %s failed on %s", f.Field(), f.Tag()))
	}
	return fiber.NewError(fiber.StatusBadRequest, err.Error())
}
