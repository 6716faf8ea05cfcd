package tenant

import "errors"

var (
	// ErrInvalidDID is returned by NormalizeDID for a number that doesn't
	// match the canonical international pattern.
	ErrInvalidDID = errors.New("dialed number is not a valid E.164 number")

	// ErrNotMapped is returned when a normalized DID has no tenant mapping.
	ErrNotMapped = errors.New("dialed number has no tenant mapping")

	// ErrConfigMissing is returned when a tenant id has no config entry.
	ErrConfigMissing = errors.New("tenant config not found")

	// ErrSchemaViolation is returned by Config.Validate for any v1 schema
	// violation; wrapped with a field-specific message.
	ErrSchemaViolation = errors.New("tenant config failed v1 schema validation")
)
