package domain

import "errors"

var (
	ErrInvalidPattern           = errors.New("invalid recurrence pattern")
	ErrInvalidDateFormat        = errors.New("invalid date format")
	ErrInvalidDate              = errors.New("invalid date")
	ErrScheduleConflict         = errors.New("schedule conflict")
	ErrConflictCheckUnavailable = errors.New("conflict check unavailable")
	ErrInvalidTransition        = errors.New("invalid instance transition")
	ErrSeriesNotFound           = errors.New("series not found")
	ErrInstanceNotFound         = errors.New("instance not found")
)
