// Package action implements the typed mutation command interpreter.
//
// Actions fire after a question round completes and mutate the participant's
// parameter store. Every action is structurally validated first, every target
// name is checked against the declared schema and the reserved-name list, and
// multi-name actions apply all-or-nothing: a single invalid name aborts the
// whole action with no changes written.
package action

import (
	"fmt"
	"log/slog"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
	"github.com/StudyPipe/StudyPipe/internal/store"
)

// arity maps each action type to its fixed argument count. Variadic is the
// marker for clearVars, which takes one or more names.
const variadic = -1

var arity = map[models.ActionType]int{
	models.ActionSetBooleanVar:   2,
	models.ActionAddValueTo:      2,
	models.ActionSaveAnswerTo:    1,
	models.ActionSaveOptionIdxTo: 1,
	models.ActionAddAnswerTo:     1,
	models.ActionClearVars:       variadic,
}

// ValidateAction checks an action object structurally: known type and
// matching argument arity. It never touches participant state.
func ValidateAction(a models.Action) error {
	want, ok := arity[a.Type]
	if !ok {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if want == variadic {
		if len(a.Args) < 1 {
			return fmt.Errorf("action %s requires at least one argument", a.Type)
		}
		return nil
	}
	if len(a.Args) != want {
		return fmt.Errorf("action %s requires %d argument(s), got %d", a.Type, want, len(a.Args))
	}
	return nil
}

// Interpreter executes actions against a participant's parameter store.
type Interpreter struct {
	store store.Store
}

// NewInterpreter creates an interpreter over st.
func NewInterpreter(st store.Store) *Interpreter {
	return &Interpreter{store: st}
}

// Process validates and executes one action for the participant. Actions only
// fire in state answerReceived. On success the result data carries the
// updated parameter subset; on failure nothing is written.
func (it *Interpreter) Process(p *models.Participant, a models.Action) (models.Result, error) {
	if p == nil {
		return models.Result{}, models.ErrParticipantNil
	}
	if p.UniqueID == "" {
		return models.Result{}, models.ErrMissingUniqueID
	}
	if p.CurrentState != models.StateAnswerReceived {
		return models.Result{}, fmt.Errorf("%w: participant %s in state %s",
			models.ErrNotAnswerReceived, p.UniqueID, p.CurrentState)
	}
	if err := ValidateAction(a); err != nil {
		return models.Result{}, err
	}

	updates, err := it.stage(p, a)
	if err != nil {
		return models.Result{}, err
	}
	if err := it.store.UpdateParameters(p.UniqueID, updates); err != nil {
		return models.Result{}, fmt.Errorf("failed to write parameters for %s: %w", p.UniqueID, err)
	}
	if p.Parameters == nil {
		p.Parameters = make(params.Values)
	}
	updated := make(map[string]interface{}, len(updates))
	for name, v := range updates {
		p.Parameters[name] = v
		updated[name] = v.Interface()
	}
	slog.Debug("action.Process: action applied", "participantID", p.UniqueID,
		"action", a.Type, "updated", len(updates))
	return models.SuccessResult(updated), nil
}

// stage computes the parameter updates an action would make, without writing
// anything. Every target name is resolved and type-checked here.
func (it *Interpreter) stage(p *models.Participant, a models.Action) (params.Values, error) {
	switch a.Type {
	case models.ActionSetBooleanVar:
		return it.stageSetBooleanVar(p, a.Args[0], a.Args[1])
	case models.ActionAddValueTo:
		return it.stageAddValueTo(p, a.Args[0], a.Args[1])
	case models.ActionSaveAnswerTo:
		return it.stageSaveAnswerTo(p, a.Args[0])
	case models.ActionSaveOptionIdxTo:
		return it.stageSaveOptionIdxTo(p, a.Args[0])
	case models.ActionAddAnswerTo:
		return it.stageAddAnswerTo(p, a.Args[0])
	case models.ActionClearVars:
		return it.stageClearVars(p, a.Args)
	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
}

// resolveTarget checks a mutation target against the reserved-name list and
// the declared schema.
func resolveTarget(p *models.Participant, name string) (params.Type, error) {
	if params.IsReserved(name) {
		return "", fmt.Errorf("%w: %s", params.ErrReservedName, name)
	}
	return p.ParameterTypes.TypeOf(name)
}

func (it *Interpreter) stageSetBooleanVar(p *models.Participant, name, token string) (params.Values, error) {
	t, err := resolveTarget(p, name)
	if err != nil {
		return nil, err
	}
	if t != params.TypeBoolean {
		return nil, fmt.Errorf("%w: %s is %s, setBooleanVar needs boolean", params.ErrTypeMismatch, name, t)
	}
	b, err := params.ParseBooleanToken(token)
	if err != nil {
		return nil, err
	}
	return params.Values{name: params.Boolean(b)}, nil
}

func (it *Interpreter) stageAddValueTo(p *models.Participant, name, token string) (params.Values, error) {
	t, err := resolveTarget(p, name)
	if err != nil {
		return nil, err
	}
	if t != params.TypeNumber {
		return nil, fmt.Errorf("%w: %s is %s, addValueTo needs number", params.ErrTypeMismatch, name, t)
	}
	n, err := params.ParseNumberToken(token)
	if err != nil {
		return nil, err
	}
	current := p.Parameters.Get(name)
	base := 0.0
	if current.Present {
		base = current.Num
	}
	return params.Values{name: params.Number(base + n)}, nil
}

func (it *Interpreter) stageSaveAnswerTo(p *models.Participant, name string) (params.Values, error) {
	t, err := resolveTarget(p, name)
	if err != nil {
		return nil, err
	}
	if len(p.CurrentAnswer) == 0 {
		return nil, models.ErrCurrentAnswerMissing
	}
	switch t {
	case params.TypeString:
		return params.Values{name: params.String(p.CurrentAnswer[0])}, nil
	case params.TypeStringArray:
		return params.Values{name: params.StringArray(append([]string{}, p.CurrentAnswer...))}, nil
	case params.TypeNumber:
		n, err := params.ParseNumber(p.CurrentAnswer[0])
		if err != nil {
			return nil, fmt.Errorf("saveAnswerTo %s: %w", name, err)
		}
		return params.Values{name: params.Number(n)}, nil
	default:
		return nil, fmt.Errorf("%w: %s is %s, saveAnswerTo needs string, strArr or number",
			params.ErrTypeMismatch, name, t)
	}
}

func (it *Interpreter) stageSaveOptionIdxTo(p *models.Participant, name string) (params.Values, error) {
	t, err := resolveTarget(p, name)
	if err != nil {
		return nil, err
	}
	q := p.CurrentQuestion
	if q == nil {
		return nil, models.ErrMissingCurrentQuestion
	}
	if q.Type != models.QuestionSingleChoice && q.Type != models.QuestionMultiChoice {
		return nil, fmt.Errorf("saveOptionIdxTo requires a choice question, got %s", q.Type)
	}
	if len(q.Options) == 0 {
		return nil, models.ErrMissingOptions
	}
	if len(p.CurrentAnswer) == 0 {
		return nil, models.ErrCurrentAnswerMissing
	}
	indices := make([]float64, 0, len(p.CurrentAnswer))
	for _, ans := range p.CurrentAnswer {
		idx := optionIndex(q.Options, ans)
		if idx < 0 {
			return nil, fmt.Errorf("answer %q is not one of the question options", ans)
		}
		indices = append(indices, float64(idx))
	}
	switch t {
	case params.TypeNumber:
		return params.Values{name: params.Number(indices[0])}, nil
	case params.TypeNumberArray:
		return params.Values{name: params.NumberArray(indices)}, nil
	default:
		return nil, fmt.Errorf("%w: %s is %s, saveOptionIdxTo needs number or numArr",
			params.ErrTypeMismatch, name, t)
	}
}

func (it *Interpreter) stageAddAnswerTo(p *models.Participant, name string) (params.Values, error) {
	t, err := resolveTarget(p, name)
	if err != nil {
		return nil, err
	}
	if len(p.CurrentAnswer) == 0 {
		return nil, models.ErrCurrentAnswerMissing
	}
	current := p.Parameters.Get(name)
	switch t {
	case params.TypeStringArray:
		arr := append([]string{}, current.StrArr...)
		arr = append(arr, p.CurrentAnswer...)
		return params.Values{name: params.StringArray(arr)}, nil
	case params.TypeNumberArray:
		arr := append([]float64{}, current.NumArr...)
		for _, ans := range p.CurrentAnswer {
			n, err := params.ParseNumber(ans)
			if err != nil {
				return nil, fmt.Errorf("addAnswerTo %s: element %q: %w", name, ans, err)
			}
			arr = append(arr, n)
		}
		return params.Values{name: params.NumberArray(arr)}, nil
	default:
		return nil, fmt.Errorf("%w: %s is %s, addAnswerTo needs strArr or numArr",
			params.ErrTypeMismatch, name, t)
	}
}

func (it *Interpreter) stageClearVars(p *models.Participant, names []string) (params.Values, error) {
	updates := make(params.Values, len(names))
	for _, name := range names {
		t, err := resolveTarget(p, name)
		if err != nil {
			return nil, err
		}
		updates[name] = params.Zero(t)
	}
	return updates, nil
}

func optionIndex(options []string, answer string) int {
	for i, opt := range options {
		if opt == answer {
			return i
		}
	}
	return -1
}
