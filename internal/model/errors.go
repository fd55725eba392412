package model

import (
	"errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidSpec  = errors.New("invalid spec")
	ErrMissingInput = errors.New("missing input")
	ErrConflict     = errors.New("conflict")
)
