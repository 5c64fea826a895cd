package apperr

import "errors"

var (
	ErrNotFound        = errors.New("record not found")
	ErrOversizedInput  = errors.New("input text too large")
	ErrMalformedRecord = errors.New("malformed record")
)
