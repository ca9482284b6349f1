package model

import (
	"errors"
)

var (
	ErrMissingPlanPath = errors.New("plan path is empty")
	ErrMissingConfigID = errors.New("configuration id is empty")
	ErrUnknownKind     = errors.New("unknown execution kind")
)
