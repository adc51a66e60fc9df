// Package models defines the core data structures for StudyPipe.
//
// It includes the participant record, question descriptors, action objects
// and the shared result envelope used across modules.
package models

import (
	"errors"
	"time"

	"github.com/StudyPipe/StudyPipe/internal/params"
)

// State is the conversation state of a participant.
type State string

const (
	// StateStarting is the initial state before any question has been posed.
	StateStarting State = "starting"
	// StateAwaitingAnswer means a question is outstanding.
	StateAwaitingAnswer State = "awaitingAnswer"
	// StateAwaitingAnswerScheduled means a scheduled prompt posed the
	// outstanding question; validation behaves identically to awaitingAnswer.
	StateAwaitingAnswerScheduled State = "awaitingAnswerScheduled"
	// StateAnswerReceived means the last question was answered and actions may fire.
	StateAnswerReceived State = "answerReceived"
	// StateInvalidAnswer means the last input failed validation.
	StateInvalidAnswer State = "invalidAnswer"
	// StateRepeatQuestion means the current question is being re-posed.
	StateRepeatQuestion State = "repeatQuestion"
	// StateExperimentEnd means the study has terminated for this participant.
	StateExperimentEnd State = "experimentEnd"
)

// IsAwaiting reports whether an answer is currently expected.
func (s State) IsAwaiting() bool {
	return s == StateAwaitingAnswer || s == StateAwaitingAnswerScheduled
}

// Outstanding reports whether a question round is unresolved: anything other
// than answerReceived, starting, or a terminated experiment.
func (s State) Outstanding() bool {
	switch s {
	case StateAnswerReceived, StateStarting, StateExperimentEnd:
		return false
	default:
		return true
	}
}

// QuestionType defines how a raw answer is validated.
type QuestionType string

const (
	// QuestionSingleChoice expects exactly one configured option.
	QuestionSingleChoice QuestionType = "singleChoice"
	// QuestionMultiChoice accumulates options until the terminate phrase.
	QuestionMultiChoice QuestionType = "multiChoice"
	// QuestionFreeform expects free text subject to length constraints.
	QuestionFreeform QuestionType = "freeform"
	// QuestionFreeformMulti accumulates free-text lines until "done".
	QuestionFreeformMulti QuestionType = "freeformMulti"
	// QuestionQualtrics expects a fuzzy match against continuation phrases.
	QuestionQualtrics QuestionType = "qualtrics"
	// QuestionNumber expects a numeric value, optionally range-bounded.
	QuestionNumber QuestionType = "number"
)

// IsValidQuestionType checks whether qt is one of the six supported types.
func IsValidQuestionType(qt QuestionType) bool {
	switch qt {
	case QuestionSingleChoice, QuestionMultiChoice, QuestionFreeform,
		QuestionFreeformMulti, QuestionQualtrics, QuestionNumber:
		return true
	default:
		return false
	}
}

// NumberRange bounds a number question. Nil bounds are unrestricted; set
// bounds are inclusive.
type NumberRange struct {
	Lower *float64 `json:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty"`
}

// Question is an immutable question descriptor supplied by the experiment
// configuration loader.
type Question struct {
	QID             string       `json:"qId"`
	Text            string       `json:"text"`
	Type            QuestionType `json:"qType"`
	Options         []string     `json:"options,omitempty"`
	Range           *NumberRange `json:"range,omitempty"`
	MinLengthChars  int          `json:"minLengthChars,omitempty"`
	MinLengthWords  int          `json:"minLengthWords,omitempty"`
	AnswerShouldBe  []string     `json:"answerShouldBe,omitempty"`
	ContinueStrings []string     `json:"continueStrings,omitempty"`
	AskTimestamp    string       `json:"askTimestamp,omitempty"`
	// NextActions run after the answer is accepted, in order.
	NextActions []Action `json:"nextActions,omitempty"`
}

// StageEventKind marks a stage activity entry as a begin or end event.
type StageEventKind string

const (
	// StageEventBegin records the start of a stage.
	StageEventBegin StageEventKind = "BEGIN"
	// StageEventEnd records the end of a stage.
	StageEventEnd StageEventKind = "END"
)

// StageActivity is one append-only audit entry for stage transitions.
type StageActivity struct {
	StageName string         `json:"stageName"`
	Kind      StageEventKind `json:"what"`
	Timestamp string         `json:"when"`
}

// StageState tracks the participant's position in the stage sequence. An
// empty StageName means no stage is active; StageDay is meaningful only
// while a stage is active and counts from 0.
type StageState struct {
	StageName string          `json:"stageName"`
	StageDay  int             `json:"stageDay"`
	Activity  []StageActivity `json:"activity"`
}

// Participant is the per-participant conversation record. It is owned
// exclusively by the conversation and stage machinery and mutated only
// through the store.
type Participant struct {
	UniqueID        string        `json:"uniqueId"`
	ExperimentID    string        `json:"experimentId"`
	ConditionIdx    int           `json:"conditionIdx"`
	ConditionName   string        `json:"conditionName"`
	Parameters      params.Values `json:"parameters"`
	ParameterTypes  params.Schema `json:"parameterTypes"`
	CurrentQuestion *Question     `json:"currentQuestion,omitempty"`
	CurrentAnswer   []string      `json:"currentAnswer"`
	// LastInvalidAnswer holds the most recent rejected input, used to mark
	// the answer record when a deadline elapses after an invalid attempt.
	LastInvalidAnswer string     `json:"lastInvalidAnswer,omitempty"`
	CurrentState      State      `json:"currentState"`
	Stages            StageState `json:"stages"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Language returns the participant's active language parameter, or "" when
// it is unset. Language drives locale-specific control phrases such as the
// multi-choice terminate phrase.
func (p *Participant) Language() string {
	v := p.Parameters.Get("language")
	if !v.Present || v.Type != params.TypeString {
		return ""
	}
	return v.Str
}

// Timezone returns the participant's timezone parameter, or "" when unset.
func (p *Participant) Timezone() string {
	v := p.Parameters.Get("timezone")
	if !v.Present || v.Type != params.TypeString {
		return ""
	}
	return v.Str
}

// ActionType enumerates the typed mutation commands of the action language.
type ActionType string

const (
	// ActionSetBooleanVar sets a boolean parameter from a "$B{...}" token.
	ActionSetBooleanVar ActionType = "setBooleanVar"
	// ActionAddValueTo adds a "$N{...}" literal to a numeric parameter.
	ActionAddValueTo ActionType = "addValueTo"
	// ActionSaveAnswerTo copies the current answer into a parameter.
	ActionSaveAnswerTo ActionType = "saveAnswerTo"
	// ActionSaveOptionIdxTo stores the option indices of the current answer.
	ActionSaveOptionIdxTo ActionType = "saveOptionIdxTo"
	// ActionAddAnswerTo appends the current answer to an array parameter.
	ActionAddAnswerTo ActionType = "addAnswerTo"
	// ActionClearVars resets named parameters to their zero values (variadic).
	ActionClearVars ActionType = "clearVars"
)

// Action is a single typed mutation command with string arguments.
type Action struct {
	Type ActionType `json:"aType"`
	Args []string   `json:"args"`
}

// Error variables shared across modules.
var (
	ErrParticipantNil          = errors.New("participant not available")
	ErrParticipantNotFound     = errors.New("participant not found")
	ErrMissingUniqueID         = errors.New("participant unique id missing")
	ErrMissingCurrentState     = errors.New("participant current state missing")
	ErrMissingCurrentQuestion  = errors.New("participant current question missing")
	ErrMissingLanguage         = errors.New("participant language parameter missing")
	ErrMissingOptions          = errors.New("question has no options configured")
	ErrInvalidQuestionType     = errors.New("question has no valid question type")
	ErrNotAnswerReceived       = errors.New("actions only fire in state answerReceived")
	ErrCurrentAnswerMissing    = errors.New("current answer not available to save")
	ErrMissingStagesContainer  = errors.New("participant stages container missing")
	ErrNoActiveStage           = errors.New("no stage currently underway")
)
