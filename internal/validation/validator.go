package validation

import (
	"fmt"
	"regexp"

	validatorv10 "github.com/go-playground/validator/v10"
)

// MaxItemsQuantity caps the summed quantity of one cart.
const MaxItemsQuantity = 999

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 .-]{6,18}[0-9]$`)

// New returns a configured validator with the custom rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	_ = v.RegisterValidation("phone", func(fl validatorv10.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(checkoutStructValidation, CheckoutRequest{})

	return v
}

// checkoutStructValidation bounds the total quantity of a cart.
func checkoutStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CheckoutRequest)

	total := 0
	for _, it := range req.Items {
		total += it.Quantity
	}
	if total > MaxItemsQuantity {
		sl.ReportError(req.Items, "items", "Items", "max_quantity", fmt.Sprintf("%d", MaxItemsQuantity))
	}
}
