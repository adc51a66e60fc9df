// Package conversation implements the per-participant answer validator and
// conversation state machine.
//
// Raw inbound text is validated against the currently posed question's type
// rules. Valid answers finalize the question round, append a record to the
// answers chain and move the participant to answerReceived so follow-up
// actions can fire. Invalid answers move the participant to invalidAnswer and
// tell the caller to re-pose the question. Accumulating types (multiChoice,
// freeformMulti) collect partial input in currentAnswer until a terminate
// phrase arrives.
package conversation

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/StudyPipe/StudyPipe/internal/experiment"
	"github.com/StudyPipe/StudyPipe/internal/logchain"
	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
	"github.com/StudyPipe/StudyPipe/internal/store"
	"github.com/StudyPipe/StudyPipe/internal/util"
)

// MultiPartTerminator finalizes a freeformMulti answer. Matching ignores
// case and punctuation, so "Done!" and "done" both terminate.
const MultiPartTerminator = "done"

// normalizeRegex strips the punctuation ignored when matching terminate
// phrases and qualtrics continuation phrases.
var normalizeRegex = regexp.MustCompile(`[.()!?;:_ ,'-]`)

// normalize strips punctuation and case-folds for fuzzy phrase matching.
func normalize(s string) string {
	return strings.ToLower(normalizeRegex.ReplaceAllString(s, ""))
}

// Engine drives the conversation state machine over a store and log chain.
type Engine struct {
	store store.Store
	chain *logchain.Chain
	cfg   *experiment.Config
}

// NewEngine creates a conversation engine.
func NewEngine(st store.Store, chain *logchain.Chain, cfg *experiment.Config) *Engine {
	return &Engine{store: st, chain: chain, cfg: cfg}
}

// PoseQuestion puts a question to the participant: sets currentQuestion with
// an ask timestamp, clears the accumulated answer and moves to an awaiting
// state. Scheduled prompts use awaitingAnswerScheduled, which validates
// identically.
func (e *Engine) PoseQuestion(p *models.Participant, qid string, scheduled bool) (models.Result, error) {
	if p == nil {
		return models.Result{}, models.ErrParticipantNil
	}
	q, err := e.cfg.Question(qid)
	if err != nil {
		return models.Result{}, err
	}
	q.AskTimestamp = util.Timestamp(p.Timezone(), experiment.DefaultTimezone)
	if err := e.store.UpdateCurrentQuestion(p.UniqueID, &q); err != nil {
		return models.Result{}, err
	}
	if err := e.store.UpdateCurrentAnswer(p.UniqueID, []string{}); err != nil {
		return models.Result{}, err
	}
	state := models.StateAwaitingAnswer
	if scheduled {
		state = models.StateAwaitingAnswerScheduled
	}
	if err := e.store.UpdateState(p.UniqueID, state); err != nil {
		return models.Result{}, err
	}
	p.CurrentQuestion = &q
	p.CurrentAnswer = []string{}
	p.CurrentState = state
	slog.Debug("conversation.PoseQuestion: question posed", "participantID", p.UniqueID,
		"qID", qid, "scheduled", scheduled)
	return models.SuccessResult(q.Text), nil
}

// ProcessAnswer validates raw inbound text against the current question.
//
// A hard error means a missing precondition and leaves no side effects. A
// partial failure carries a sentinel: REPEAT_QUESTION when the caller should
// re-pose the question, NO_RESPONSE when the input should be ignored. Success
// either finalizes the round (sentinel NEXT_ACTION) or keeps accumulating
// (sentinel NO_RESPONSE).
func (e *Engine) ProcessAnswer(p *models.Participant, rawText string) (models.Result, error) {
	if p == nil {
		return models.Result{}, models.ErrParticipantNil
	}
	if p.UniqueID == "" {
		return models.Result{}, models.ErrMissingUniqueID
	}
	if p.CurrentState == "" {
		return models.Result{}, models.ErrMissingCurrentState
	}
	if !p.CurrentState.IsAwaiting() {
		return models.PartialFailureResult("no answer expected", models.SignalNoResponse), nil
	}
	if p.CurrentQuestion == nil {
		return models.Result{}, models.ErrMissingCurrentQuestion
	}
	if p.Language() == "" {
		return models.Result{}, fmt.Errorf("%w: participant %s", models.ErrMissingLanguage, p.UniqueID)
	}

	q := p.CurrentQuestion
	switch q.Type {
	case models.QuestionSingleChoice:
		return e.processSingleChoice(p, q, rawText)
	case models.QuestionMultiChoice:
		return e.processMultiChoice(p, q, rawText)
	case models.QuestionFreeform:
		return e.processFreeform(p, q, rawText)
	case models.QuestionFreeformMulti:
		return e.processFreeformMulti(p, q, rawText)
	case models.QuestionQualtrics:
		return e.processQualtrics(p, q, rawText)
	case models.QuestionNumber:
		return e.processNumber(p, q, rawText)
	default:
		return models.Result{}, fmt.Errorf("%w: question %s has type %q",
			models.ErrInvalidQuestionType, q.QID, q.Type)
	}
}

func (e *Engine) processSingleChoice(p *models.Participant, q *models.Question, rawText string) (models.Result, error) {
	if len(q.Options) == 0 {
		return models.Result{}, fmt.Errorf("%w: question %s", models.ErrMissingOptions, q.QID)
	}
	for _, opt := range q.Options {
		if opt == rawText {
			return e.FinishAnswering(p, q, []string{rawText})
		}
	}
	return e.rejectInvalid(p, rawText, "answer is not one of the options")
}

func (e *Engine) processMultiChoice(p *models.Participant, q *models.Question, rawText string) (models.Result, error) {
	if len(q.Options) == 0 {
		return models.Result{}, fmt.Errorf("%w: question %s", models.ErrMissingOptions, q.QID)
	}
	for _, opt := range q.Options {
		if opt != rawText {
			continue
		}
		if err := e.store.AppendCurrentAnswer(p.UniqueID, rawText); err != nil {
			return models.Result{}, err
		}
		p.CurrentAnswer = append(p.CurrentAnswer, rawText)
		return models.SuccessResult(models.SignalNoResponse), nil
	}
	terminate, err := e.cfg.TerminateAnswerPhrase(p.Language())
	if err != nil {
		return models.Result{}, err
	}
	if rawText == terminate {
		if len(p.CurrentAnswer) == 0 {
			return e.rejectInvalid(p, rawText, "no options selected before finishing")
		}
		return e.FinishAnswering(p, q, p.CurrentAnswer)
	}
	return e.rejectInvalid(p, rawText, "answer is not one of the options")
}

func (e *Engine) processFreeform(p *models.Participant, q *models.Question, rawText string) (models.Result, error) {
	if reason, ok := checkLength(q, rawText, countWords(rawText)); !ok {
		return e.rejectInvalid(p, rawText, reason)
	}
	if len(q.AnswerShouldBe) > 0 {
		found := false
		for _, allowed := range q.AnswerShouldBe {
			if allowed == rawText {
				found = true
				break
			}
		}
		if !found {
			return e.rejectInvalid(p, rawText, "answer is not one of the expected values")
		}
	}
	return e.FinishAnswering(p, q, []string{rawText})
}

func (e *Engine) processFreeformMulti(p *models.Participant, q *models.Question, rawText string) (models.Result, error) {
	if normalize(rawText) != MultiPartTerminator {
		if err := e.store.AppendCurrentAnswer(p.UniqueID, rawText); err != nil {
			return models.Result{}, err
		}
		p.CurrentAnswer = append(p.CurrentAnswer, rawText)
		return models.SuccessResult(models.SignalNoResponse), nil
	}
	// Length checks apply to the concatenation of all accumulated lines.
	joined := strings.Join(p.CurrentAnswer, " ")
	totalChars := 0
	for _, line := range p.CurrentAnswer {
		totalChars += len(line)
	}
	if q.MinLengthChars > 0 && totalChars < q.MinLengthChars {
		// Accumulation is preserved so the participant can keep typing.
		return e.rejectInvalid(p, rawText, "answer is too short")
	}
	if q.MinLengthWords > 0 && countWords(joined) < q.MinLengthWords {
		return e.rejectInvalid(p, rawText, "answer has too few words")
	}
	return e.FinishAnswering(p, q, p.CurrentAnswer)
}

func (e *Engine) processQualtrics(p *models.Participant, q *models.Question, rawText string) (models.Result, error) {
	targets := []string{MultiPartTerminator}
	if len(q.ContinueStrings) > 0 {
		targets = targets[:0]
		for _, s := range q.ContinueStrings {
			targets = append(targets, normalize(s))
		}
	}
	trimmed := normalize(rawText)
	for _, target := range targets {
		if trimmed == target {
			return e.FinishAnswering(p, q, []string{rawText})
		}
	}
	// Silently ignored: the participant is told nothing and the question is
	// not re-posed.
	return models.PartialFailureResult("input does not match a continuation phrase", models.SignalNoResponse), nil
}

func (e *Engine) processNumber(p *models.Participant, q *models.Question, rawText string) (models.Result, error) {
	n, err := params.ParseNumber(rawText)
	if err != nil {
		return e.rejectInvalid(p, rawText, "answer is not a number")
	}
	if q.Range != nil {
		if q.Range.Lower != nil && n < *q.Range.Lower {
			return e.rejectInvalid(p, rawText, "number is below the lower bound")
		}
		if q.Range.Upper != nil && n > *q.Range.Upper {
			return e.rejectInvalid(p, rawText, "number is above the upper bound")
		}
	}
	return e.FinishAnswering(p, q, []string{rawText})
}

// FinishAnswering wraps up the question round for any type: appends the
// answer record with the participant's stage position, stores the final
// answer list, and moves to answerReceived so the caller can trigger the
// question's next actions.
func (e *Engine) FinishAnswering(p *models.Participant, q *models.Question, answerList []string) (models.Result, error) {
	record := models.AnswerRecord{
		QID:             q.QID,
		Text:            q.Text,
		AskTimestamp:    q.AskTimestamp,
		AnswerTimestamp: util.Timestamp(p.Timezone(), experiment.DefaultTimezone),
		StageName:       p.Stages.StageName,
		StageDay:        p.Stages.StageDay,
		Answer:          answerList,
	}
	if err := e.chain.Ensure(models.LogKindAnswers, p.ExperimentID, p.UniqueID); err != nil {
		return models.Result{}, err
	}
	if err := e.chain.AppendAnswer(p.UniqueID, record); err != nil {
		return models.Result{}, err
	}
	if err := e.store.UpdateCurrentAnswer(p.UniqueID, answerList); err != nil {
		return models.Result{}, err
	}
	if err := e.store.UpdateLastInvalidAnswer(p.UniqueID, ""); err != nil {
		return models.Result{}, err
	}
	if err := e.store.UpdateState(p.UniqueID, models.StateAnswerReceived); err != nil {
		return models.Result{}, err
	}
	p.CurrentAnswer = answerList
	p.LastInvalidAnswer = ""
	p.CurrentState = models.StateAnswerReceived
	slog.Debug("conversation.FinishAnswering: answer recorded", "participantID", p.UniqueID,
		"qID", q.QID, "parts", len(answerList))
	return models.SuccessResult(models.SignalNextAction), nil
}

// HandleNoResponse is invoked when an external deadline elapses without a
// valid answer. An outstanding question round is closed with a sentinel
// answer record reflecting how it ended; participants with nothing
// outstanding are left untouched.
func (e *Engine) HandleNoResponse(participantID string) (models.Result, error) {
	p, err := e.store.GetParticipant(participantID)
	if err != nil {
		return models.Result{}, fmt.Errorf("failed to load participant %s: %w", participantID, err)
	}
	if p == nil {
		return models.Result{}, fmt.Errorf("%w: %s", models.ErrParticipantNotFound, participantID)
	}
	if !p.CurrentState.Outstanding() {
		return models.SuccessResult(""), nil
	}
	if p.CurrentQuestion == nil {
		return models.Result{}, models.ErrMissingCurrentQuestion
	}

	var fullAnswer []string
	switch p.CurrentState {
	case models.StateInvalidAnswer:
		fullAnswer = []string{models.InvalidAnswerPrefix + p.LastInvalidAnswer}
	case models.StateRepeatQuestion:
		fullAnswer = []string{models.SignalRepeatQuestion}
	default:
		if len(p.CurrentAnswer) > 0 {
			fullAnswer = p.CurrentAnswer
		} else {
			fullAnswer = []string{models.SignalNoResponse}
		}
	}
	slog.Debug("conversation.HandleNoResponse: closing unanswered question", "participantID", participantID,
		"priorState", p.CurrentState)
	return e.FinishAnswering(p, p.CurrentQuestion, fullAnswer)
}

// RepeatQuestion marks the current question as pending re-delivery and
// returns its text. The caller re-sends the text and then calls MarkAwaiting
// once delivery succeeded.
func (e *Engine) RepeatQuestion(p *models.Participant) (models.Result, error) {
	if p == nil {
		return models.Result{}, models.ErrParticipantNil
	}
	if p.CurrentQuestion == nil {
		return models.Result{}, models.ErrMissingCurrentQuestion
	}
	if err := e.store.UpdateState(p.UniqueID, models.StateRepeatQuestion); err != nil {
		return models.Result{}, err
	}
	p.CurrentState = models.StateRepeatQuestion
	return models.SuccessResult(p.CurrentQuestion.Text), nil
}

// MarkAwaiting returns the participant to awaitingAnswer after a re-posed
// question was delivered.
func (e *Engine) MarkAwaiting(p *models.Participant) error {
	if err := e.store.UpdateState(p.UniqueID, models.StateAwaitingAnswer); err != nil {
		return err
	}
	p.CurrentState = models.StateAwaitingAnswer
	return nil
}

// RecordTranscript appends one message to the participant's transcript chain.
func (e *Engine) RecordTranscript(p *models.Participant, from, message string) error {
	if err := e.chain.Ensure(models.LogKindTranscripts, p.ExperimentID, p.UniqueID); err != nil {
		return err
	}
	return e.chain.AppendTranscript(p.UniqueID, models.TranscriptMessage{
		Message:   message,
		From:      from,
		Timestamp: util.Timestamp(p.Timezone(), experiment.DefaultTimezone),
	})
}

// RecordDebug appends a state snapshot to the participant's debug chain.
func (e *Engine) RecordDebug(p *models.Participant, infoType, from string, info []string) error {
	if err := e.chain.Ensure(models.LogKindDebug, p.ExperimentID, p.UniqueID); err != nil {
		return err
	}
	snapshot := make(map[string]interface{}, len(p.Parameters))
	for name, v := range p.Parameters {
		snapshot[name] = v.Interface()
	}
	return e.chain.AppendDebug(p.UniqueID, models.DebugEvent{
		InfoType:   infoType,
		From:       from,
		Timestamp:  util.Timestamp(p.Timezone(), experiment.DefaultTimezone),
		Parameters: snapshot,
		StageName:  p.Stages.StageName,
		StageDay:   p.Stages.StageDay,
		Info:       info,
	})
}

// rejectInvalid records an invalid attempt: state moves to invalidAnswer, the
// raw text is retained for the deadline handler, and the caller is told to
// re-pose the question.
func (e *Engine) rejectInvalid(p *models.Participant, rawText, reason string) (models.Result, error) {
	if err := e.store.UpdateState(p.UniqueID, models.StateInvalidAnswer); err != nil {
		return models.Result{}, err
	}
	if err := e.store.UpdateLastInvalidAnswer(p.UniqueID, rawText); err != nil {
		return models.Result{}, err
	}
	p.CurrentState = models.StateInvalidAnswer
	p.LastInvalidAnswer = rawText
	return models.PartialFailureResult(reason, models.SignalRepeatQuestion), nil
}

// checkLength applies the freeform minimum length constraints.
func checkLength(q *models.Question, text string, words int) (string, bool) {
	if q.MinLengthChars > 0 && len(text) < q.MinLengthChars {
		return "answer is too short", false
	}
	if q.MinLengthWords > 0 && words < q.MinLengthWords {
		return "answer has too few words", false
	}
	return "", true
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
