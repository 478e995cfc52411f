package core

import apperrors "github.com/lifebook/orchestrator/internal/errors"

// Storage sentinels shared by every JobRecordStore implementation.
// Implementations wrap them with context using fmt.Errorf("...: %w", ...).
var (
	ErrJobNotFound        = apperrors.NotFound("job not found")
	ErrJobAlreadyExists   = apperrors.Conflict("job already exists")
	ErrConditionFailed    = apperrors.Precondition("conditional write failed")
	ErrStorageUnavailable = apperrors.Unavailable("storage unavailable")
)
