package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind selects the command line built for the runner.
type Kind string

const (
	// KindExecute runs a plan against a configuration.
	KindExecute Kind = "execute"
	// KindInit initializes a configuration, optionally with credentials.
	KindInit Kind = "init"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindExecute, KindInit:
		return k, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownKind)
	}
}

// LaunchState is the result of an attempt to start the runner. It says
// nothing about whether the runner finished its work.
type LaunchState int32

const (
	Pending LaunchState = iota
	Launched
	LaunchFailed
)

func (s LaunchState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Launched:
		return "LAUNCHED"
	case LaunchFailed:
		return "LAUNCH_FAILED"
	default:
		return fmt.Sprintf("LaunchState(%d)", int32(s))
	}
}

// Terminal reports whether the state can not change anymore.
func (s LaunchState) Terminal() bool {
	return s == Launched || s == LaunchFailed
}

// BaseName returns the file name of path without its extension:
// /etc/cfg/prod.xml is prod.
func BaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
