package server

import (
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Accepts Kenyan mobile numbers in 2547XXXXXXXX, +2547XXXXXXXX or
// 07XXXXXXXX form (and the 01 prefix range).
var msisdnPattern = regexp.MustCompile(`^(\+?254|0)[17][0-9]{8}$`)

// registerValidators installs the custom binding tags used by request
// structs across the handlers.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		return msisdnPattern.MatchString(fl.Field().String())
	})
}
