package services

import (
	"errors"
	"fmt"

	"github.com/produce-export/backend/internal/models"
	"github.com/produce-export/backend/internal/repositories"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = repositories.ErrNotFound
	ErrConcurrentModification = repositories.ErrConcurrentModification
	ErrNotYetFunded           = models.ErrNotYetFunded
	ErrAlreadyFinalized       = models.ErrAlreadyFinalized
	ErrInvalidVerdict         = models.ErrInvalidVerdict
)

// ValidationError reports a rejected request field. Nothing is persisted
// when it is returned.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}
