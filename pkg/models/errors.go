package models

import "errors"

// Pipeline error taxonomy. Only ErrPersistenceFailure and ErrTaskNotFound ever
// reach callers; the rest are recovered inside the pipeline and show up as
// decision-log annotations.
var (
	ErrDataUnavailable      = errors.New("data unavailable")
	ErrBudgetCapExceeded    = errors.New("budget cap exceeded")
	ErrComplianceViolation  = errors.New("compliance violation")
	ErrHardPolicyViolation  = errors.New("hard policy violation")
	ErrNegotiationExhausted = errors.New("negotiation exhausted")
	ErrInferenceTimeout     = errors.New("inference timeout")
	ErrInferenceUnavailable = errors.New("inference unavailable")
	ErrPersistenceFailure   = errors.New("persistence failure")
	ErrPending              = errors.New("task pending")
	ErrTaskNotFound         = errors.New("task not found")
)
