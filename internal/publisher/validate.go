package publisher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

// ICE server URL schemes, RFC 7064 and RFC 7065.
var iceSchemes = []string{"stun:", "stuns:", "turn:", "turns:"}

func init() {
	validate = validator.New()
	validate.RegisterValidation("iceurl", validateICEURL)
}

func validateICEURL(fl validator.FieldLevel) bool {
	v := strings.ToLower(fl.Field().String())
	for _, scheme := range iceSchemes {
		if strings.HasPrefix(v, scheme) && len(v) > len(scheme) {
			return true
		}
	}
	return false
}

// Validate checks the config before any resource is acquired. Errors wrap
// ErrInvalidConfig.
func (c SessionConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describeField(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func describeField(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "http_url":
		return fmt.Sprintf("%s must be an absolute http(s) URL, got %q", fe.Namespace(), fe.Value())
	case "iceurl":
		return fmt.Sprintf("%s must be a stun: or turn: URL, got %q", fe.Namespace(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}
