package entitle

import "errors"

var (
	// ErrUnknownTier is returned when a ledger row references a tier
	// absent from the catalog. Admission fails closed; the fault is
	// surfaced for the auditor to heal.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrTierNotFound is returned for a catalog lookup miss.
	ErrTierNotFound = errors.New("tier not found")

	// ErrUsageNotFound is returned when a user has no ledger row.
	ErrUsageNotFound = errors.New("usage not found")

	// ErrUsageExists is returned when creating a ledger row that
	// already exists.
	ErrUsageExists = errors.New("usage already exists")

	// ErrStorageUnavailable is returned when storage is unavailable.
	// It is never silently converted to an allow or deny.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidAllowance is returned for a negative allowance on a
	// metered tier, rejected at catalog write time.
	ErrInvalidAllowance = errors.New("invalid allowance")

	// ErrInvalidTier is returned for a structurally invalid tier.
	ErrInvalidTier = errors.New("invalid tier")
)
