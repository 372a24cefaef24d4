package store

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/smukkama/footprint-engine/internal/domain"
)

var validate = validator.New()

// ValidateTarget enforces the target invariants at create and update time.
// Violations are reported as configuration errors.
func ValidateTarget(t *domain.Target) error {
	if t == nil {
		return &domain.ConfigurationError{Field: "target", Reason: "is required"}
	}
	if !t.Domain.Valid() {
		return &domain.ConfigurationError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", t.Domain)}
	}

	err := validate.Struct(t)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &domain.ConfigurationError{Field: "target", Reason: err.Error()}
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "gtfield":
		return &domain.ConfigurationError{
			Field:  "targetYear",
			Reason: fmt.Sprintf("must be after baselineYear (%d <= %d)", t.TargetYear, t.BaselineYear),
		}
	case "required":
		return &domain.ConfigurationError{Field: fe.Field(), Reason: "is required"}
	default:
		return &domain.ConfigurationError{
			Field:  fe.Field(),
			Reason: fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param()),
		}
	}
}
