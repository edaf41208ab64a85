package edge

import (
	"errors"
	"fmt"
)

// Engine errors
var (
	ErrInvalidImage     = errors.New("invalid image")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrStageNotReady    = errors.New("stage not ready")
)

// ParameterError names the stage parameter that violated its constraint.
type ParameterError struct {
	Param  string
	Value  any
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s=%v: %s", e.Param, e.Value, e.Reason)
}

func (e *ParameterError) Unwrap() error {
	return ErrInvalidParameter
}

func paramErr(param string, value any, reason string) error {
	return &ParameterError{Param: param, Value: value, Reason: reason}
}
