package validator

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pauljones0/shift-code-bot/internal/models"
)

// Validator is a wrapper around the validator library.
type Validator struct {
	validate *validator.Validate
}

// New creates a new Validator instance with the shiftcode tag registered.
func New() *Validator {
	v := validator.New()
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("shiftcode", func(fl validator.FieldLevel) bool {
		return models.IsShiftCode(fl.Field().String())
	})
	return &Validator{validate: v}
}

// ValidateStruct validates a struct based on its tags.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateCandidate checks a scraped candidate before it is stored.
func (v *Validator) ValidateCandidate(c models.Candidate) error {
	if err := v.ValidateStruct(c); err != nil {
		return fmt.Errorf("candidate %q from %s: %w", c.Code, c.Source, err)
	}
	return nil
}
