package task

import (
	"errors"
	"fmt"
)

// Code is the machine-readable category of an Error.
type Code string

const (
	CodeCreation       Code = "TASK_CREATION_ERROR"
	CodeUpdate         Code = "TASK_UPDATE_ERROR"
	CodeDeletion       Code = "TASK_DELETION_ERROR"
	CodeRetrieval      Code = "TASK_RETRIEVAL_ERROR"
	CodeQuery          Code = "TASK_QUERY_ERROR"
	CodeExecution      Code = "TASK_EXECUTION_ERROR"
	CodeSchedulerStart Code = "SCHEDULER_START_ERROR"
	CodeSchedulerStop  Code = "SCHEDULER_STOP_ERROR"
	CodeMetrics        Code = "METRICS_COLLECTION_ERROR"
	CodeReset          Code = "RESET_ERROR"
)

// Stage names the step of task creation that failed.
type Stage string

const (
	StageTemporal   Stage = "temporal"
	StageValidation Stage = "validation"
	StageStorage    Stage = "storage"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidSchedule   = errors.New("invalid schedule")
	ErrUnresolvedTime    = errors.New("time expression could not be resolved")
)

// Error is returned by every public manager operation.
type Error struct {
	Code   Code
	Stage  Stage // set for CodeCreation only
	TaskID string
	Msg    string
	Err    error
}

func NewError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// NewCreationError tags a creation failure with the stage that produced it.
func NewCreationError(stage Stage, msg string, err error) *Error {
	return &Error{Code: CodeCreation, Stage: stage, Msg: msg, Err: err}
}

// WithTask returns e annotated with a task id.
func (e *Error) WithTask(id string) *Error {
	e.TaskID = id
	return e
}

func (e *Error) Error() string {
	head := string(e.Code)
	if e.Stage != "" {
		head += "/" + string(e.Stage)
	}
	if e.TaskID != "" {
		head += " task=" + e.TaskID
	}
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", head, e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %v", head, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the Code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

// StageOf extracts the creation stage of the first *Error in err's chain.
func StageOf(err error) (Stage, bool) {
	var te *Error
	if errors.As(err, &te) && te.Stage != "" {
		return te.Stage, true
	}
	return "", false
}
