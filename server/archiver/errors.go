package archiver

import "errors"

var (
	// ErrNotEligible is returned for days that are not strictly before today.
	ErrNotEligible = errors.New("date is not eligible for archiving")
	// ErrIncompleteUnit is returned when a unit on disk does not match its manifest,
	// or when a copy is requested for a day that has not finished archiving.
	ErrIncompleteUnit = errors.New("archive unit is incomplete")
	// ErrStorageFailure is returned when the local unit or manifest cannot be written.
	ErrStorageFailure = errors.New("archive storage failure")
	// ErrLocked is returned when another run holds the day.
	ErrLocked = errors.New("archive day is locked by another run")
	// ErrNotConfigured is returned by remote copies when no object store is configured.
	ErrNotConfigured = errors.New("remote storage is not configured")
	// ErrUploadFailure is returned when the remote copy could not be uploaded.
	ErrUploadFailure = errors.New("archive upload failed")
	// ErrUnitNotFound is returned when no local unit exists for the day.
	ErrUnitNotFound = errors.New("archive unit not found")
)
