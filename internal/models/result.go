// Result envelope shared by every core operation: SUCCESS commits side
// effects, PARTIAL_FAILURE is a business-rule rejection carrying a typed
// sentinel for the caller's next UX step, FAILURE (a plain Go error) means
// malformed input or a missing precondition with no side effects applied.
package models

// ResultCode is the outcome level of a core operation.
type ResultCode string

const (
	// CodeSuccess means the operation applied and side effects committed.
	CodeSuccess ResultCode = "SUCCESS"
	// CodePartialFailure means well-formed input was rejected by a business rule.
	CodePartialFailure ResultCode = "PARTIAL_FAILURE"
	// CodeFailure mirrors a non-nil error for callers serializing envelopes.
	CodeFailure ResultCode = "FAILURE"
)

// Sentinel values carried in result envelopes and sentinel answer records.
const (
	// SignalNoResponse tells the caller to ignore the input silently.
	SignalNoResponse = "NO_RESPONSE"
	// SignalRepeatQuestion tells the caller to re-pose the current question.
	SignalRepeatQuestion = "REPEAT_QUESTION"
	// SignalNextAction tells the caller to trigger the question's next actions.
	SignalNextAction = "NEXT_ACTION"
	// InvalidAnswerPrefix prefixes sentinel answer records written when a
	// deadline elapses after an invalid attempt.
	InvalidAnswerPrefix = "INVALID_ANSWER:"
)

// LastStageSentinel is returned where a next stage or an optional stage
// parameter does not exist.
const LastStageSentinel = -1

// Result is the non-error half of an operation outcome. FAILURE is conveyed
// as a separate Go error; a returned Result always has CodeSuccess or
// CodePartialFailure.
type Result struct {
	Code        ResultCode  `json:"returnCode"`
	Data        interface{} `json:"data,omitempty"`        // success payload
	SuccessData interface{} `json:"successData,omitempty"` // partial-failure sentinel
	FailData    string      `json:"failData,omitempty"`    // partial-failure reason
}

// Succeeded reports whether the operation fully applied.
func (r Result) Succeeded() bool { return r.Code == CodeSuccess }

// Sentinel returns the typed sentinel of a partial failure, or "" otherwise.
func (r Result) Sentinel() string {
	s, _ := r.SuccessData.(string)
	return s
}

// SuccessResult builds a SUCCESS envelope with payload data.
func SuccessResult(data interface{}) Result {
	return Result{Code: CodeSuccess, Data: data}
}

// PartialFailureResult builds a PARTIAL_FAILURE envelope. failData carries a
// human-readable reason, successData the sentinel driving the caller's next
// step.
func PartialFailureResult(failData string, successData interface{}) Result {
	return Result{Code: CodePartialFailure, FailData: failData, SuccessData: successData}
}
