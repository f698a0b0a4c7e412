package render

import (
	"encoding/base64"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

func configureValidator(validate *validator.Validate) {
	_ = validate.RegisterValidation("imagedataurl", validateImageDataURL)
	validate.RegisterTagNameFunc(useJSONTagNames)
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}

// validateImageDataURL accepts uploads of the form
// "data:image/png;base64,<payload>" with a decodable payload.
func validateImageDataURL(fl validator.FieldLevel) bool {
	value := fl.Field().String()

	rest, ok := strings.CutPrefix(value, "data:image/")
	if !ok {
		return false
	}

	mediatype, payload, ok := strings.Cut(rest, ";base64,")
	if !ok || mediatype == "" || payload == "" {
		return false
	}

	_, err := base64.StdEncoding.DecodeString(payload)
	return err == nil
}
