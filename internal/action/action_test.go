package action

import (
	"errors"
	"testing"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
	"github.com/StudyPipe/StudyPipe/internal/store"
)

func newAnswerReceivedParticipant(t *testing.T, st store.Store) *models.Participant {
	t.Helper()
	p := models.Participant{
		UniqueID:     "p1",
		ExperimentID: "exp1",
		Parameters:   params.Values{},
		ParameterTypes: params.Schema{
			"flag":    params.TypeBoolean,
			"n":       params.TypeNumber,
			"name":    params.TypeString,
			"answers": params.TypeStringArray,
			"scores":  params.TypeNumberArray,
		},
		CurrentState: models.StateAnswerReceived,
	}
	if err := st.SaveParticipant(p); err != nil {
		t.Fatalf("SaveParticipant failed: %v", err)
	}
	return &p
}

func TestValidateAction(t *testing.T) {
	tests := []struct {
		name    string
		action  models.Action
		wantErr bool
	}{
		{"setBooleanVar correct arity", models.Action{Type: models.ActionSetBooleanVar, Args: []string{"x", "$B{true}"}}, false},
		{"setBooleanVar one arg", models.Action{Type: models.ActionSetBooleanVar, Args: []string{"x"}}, true},
		{"addValueTo correct arity", models.Action{Type: models.ActionAddValueTo, Args: []string{"n", "$N{3}"}}, false},
		{"saveAnswerTo correct arity", models.Action{Type: models.ActionSaveAnswerTo, Args: []string{"name"}}, false},
		{"saveAnswerTo extra arg", models.Action{Type: models.ActionSaveAnswerTo, Args: []string{"name", "x"}}, true},
		{"saveOptionIdxTo correct arity", models.Action{Type: models.ActionSaveOptionIdxTo, Args: []string{"n"}}, false},
		{"addAnswerTo correct arity", models.Action{Type: models.ActionAddAnswerTo, Args: []string{"answers"}}, false},
		{"clearVars empty", models.Action{Type: models.ActionClearVars, Args: []string{}}, true},
		{"clearVars one name", models.Action{Type: models.ActionClearVars, Args: []string{"a"}}, false},
		{"clearVars several names", models.Action{Type: models.ActionClearVars, Args: []string{"a", "b", "c"}}, false},
		{"unknown type", models.Action{Type: "teleport", Args: []string{"a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAction(tt.action)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAction(%+v) error = %v, wantErr %v", tt.action, err, tt.wantErr)
			}
		})
	}
}

func TestProcessPreconditions(t *testing.T) {
	st := store.NewInMemoryStore()
	it := NewInterpreter(st)

	if _, err := it.Process(nil, models.Action{Type: models.ActionClearVars, Args: []string{"n"}}); !errors.Is(err, models.ErrParticipantNil) {
		t.Errorf("nil participant error = %v, want ErrParticipantNil", err)
	}

	p := newAnswerReceivedParticipant(t, st)
	p.CurrentState = models.StateAwaitingAnswer
	if _, err := it.Process(p, models.Action{Type: models.ActionClearVars, Args: []string{"n"}}); !errors.Is(err, models.ErrNotAnswerReceived) {
		t.Errorf("wrong-state error = %v, want ErrNotAnswerReceived", err)
	}
}

func TestSetBooleanVar(t *testing.T) {
	st := store.NewInMemoryStore()
	it := NewInterpreter(st)
	p := newAnswerReceivedParticipant(t, st)

	res, err := it.Process(p, models.Action{Type: models.ActionSetBooleanVar, Args: []string{"flag", "$B{true}"}})
	if err != nil || !res.Succeeded() {
		t.Fatalf("setBooleanVar failed: %+v, %v", res, err)
	}
	if v := p.Parameters.Get("flag"); !v.Present || !v.Bool {
		t.Errorf("flag = %+v, want true", v)
	}

	if _, err := it.Process(p, models.Action{Type: models.ActionSetBooleanVar, Args: []string{"flag", "$B{maybe}"}}); !errors.Is(err, params.ErrMalformedToken) {
		t.Errorf("malformed token error = %v, want ErrMalformedToken", err)
	}
	if _, err := it.Process(p, models.Action{Type: models.ActionSetBooleanVar, Args: []string{"name", "$B{true}"}}); !errors.Is(err, params.ErrTypeMismatch) {
		t.Errorf("type mismatch error = %v, want ErrTypeMismatch", err)
	}
}

func TestAddValueToAccumulates(t *testing.T) {
	st := store.NewInMemoryStore()
	it := NewInterpreter(st)
	p := newAnswerReceivedParticipant(t, st)

	// Unset numeric parameter is treated as 0.
	res, err := it.Process(p, models.Action{Type: models.ActionAddValueTo, Args: []string{"n", "$N{3}"}})
	if err != nil || !res.Succeeded() {
		t.Fatalf("first addValueTo failed: %+v, %v", res, err)
	}
	if v := p.Parameters.Get("n"); v.Num != 3 {
		t.Errorf("n after first add = %v, want 3", v.Num)
	}

	if _, err := it.Process(p, models.Action{Type: models.ActionAddValueTo, Args: []string{"n", "$N{5}"}}); err != nil {
		t.Fatalf("second addValueTo failed: %v", err)
	}
	if v := p.Parameters.Get("n"); v.Num != 8 {
		t.Errorf("n after second add = %v, want 8", v.Num)
	}

	stored, err := st.GetParticipant("p1")
	if err != nil || stored == nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if v := stored.Parameters.Get("n"); v.Num != 8 {
		t.Errorf("persisted n = %v, want 8", v.Num)
	}

	if _, err := it.Process(p, models.Action{Type: models.ActionAddValueTo, Args: []string{"n", "$N{}"}}); !errors.Is(err, params.ErrEmptyExpression) {
		t.Errorf("empty token error = %v, want ErrEmptyExpression", err)
	}
}

func TestSaveAnswerTo(t *testing.T) {
	st := store.NewInMemoryStore()
	it := NewInterpreter(st)

	t.Run("string takes first element", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.CurrentAnswer = []string{"alice", "bob"}
		if _, err := it.Process(p, models.Action{Type: models.ActionSaveAnswerTo, Args: []string{"name"}}); err != nil {
			t.Fatalf("saveAnswerTo failed: %v", err)
		}
		if v := p.Parameters.Get("name"); v.Str != "alice" {
			t.Errorf("name = %q, want alice", v.Str)
		}
	})

	t.Run("string array takes whole list", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.CurrentAnswer = []string{"a", "b"}
		if _, err := it.Process(p, models.Action{Type: models.ActionSaveAnswerTo, Args: []string{"answers"}}); err != nil {
			t.Fatalf("saveAnswerTo failed: %v", err)
		}
		if v := p.Parameters.Get("answers"); len(v.StrArr) != 2 || v.StrArr[1] != "b" {
			t.Errorf("answers = %v, want [a b]", v.StrArr)
		}
	})

	t.Run("number parses first element", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.CurrentAnswer = []string{"4.5"}
		if _, err := it.Process(p, models.Action{Type: models.ActionSaveAnswerTo, Args: []string{"n"}}); err != nil {
			t.Fatalf("saveAnswerTo failed: %v", err)
		}
		if v := p.Parameters.Get("n"); v.Num != 4.5 {
			t.Errorf("n = %v, want 4.5", v.Num)
		}
		p.CurrentAnswer = []string{"not a number"}
		if _, err := it.Process(p, models.Action{Type: models.ActionSaveAnswerTo, Args: []string{"n"}}); !errors.Is(err, params.ErrNotANumber) {
			t.Errorf("non-numeric error = %v, want ErrNotANumber", err)
		}
	})

	t.Run("missing answer fails", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		if _, err := it.Process(p, models.Action{Type: models.ActionSaveAnswerTo, Args: []string{"name"}}); !errors.Is(err, models.ErrCurrentAnswerMissing) {
			t.Errorf("missing answer error = %v, want ErrCurrentAnswerMissing", err)
		}
	})
}

func TestSaveOptionIdxTo(t *testing.T) {
	st := store.NewInMemoryStore()
	it := NewInterpreter(st)

	t.Run("scalar target takes first index", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.CurrentQuestion = &models.Question{
			QID: "q1", Type: models.QuestionSingleChoice, Options: []string{"a", "b", "c"},
		}
		p.CurrentAnswer = []string{"b"}
		if _, err := it.Process(p, models.Action{Type: models.ActionSaveOptionIdxTo, Args: []string{"n"}}); err != nil {
			t.Fatalf("saveOptionIdxTo failed: %v", err)
		}
		if v := p.Parameters.Get("n"); v.Num != 1 {
			t.Errorf("n = %v, want 1", v.Num)
		}
	})

	t.Run("array target takes all indices", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.CurrentQuestion = &models.Question{
			QID: "q1", Type: models.QuestionMultiChoice, Options: []string{"a", "b", "c"},
		}
		p.CurrentAnswer = []string{"b", "c"}
		if _, err := it.Process(p, models.Action{Type: models.ActionSaveOptionIdxTo, Args: []string{"scores"}}); err != nil {
			t.Fatalf("saveOptionIdxTo failed: %v", err)
		}
		v := p.Parameters.Get("scores")
		if len(v.NumArr) != 2 || v.NumArr[0] != 1 || v.NumArr[1] != 2 {
			t.Errorf("scores = %v, want [1 2]", v.NumArr)
		}
	})

	t.Run("non-choice question fails", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.CurrentQuestion = &models.Question{QID: "q1", Type: models.QuestionFreeform}
		p.CurrentAnswer = []string{"text"}
		if _, err := it.Process(p, models.Action{Type: models.ActionSaveOptionIdxTo, Args: []string{"n"}}); err == nil {
			t.Error("saveOptionIdxTo on freeform question succeeded, want failure")
		}
	})
}

func TestAddAnswerTo(t *testing.T) {
	st := store.NewInMemoryStore()
	it := NewInterpreter(st)

	t.Run("string array appends raw text", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.Parameters["answers"] = params.StringArray([]string{"old"})
		p.CurrentAnswer = []string{"new1", "new2"}
		if _, err := it.Process(p, models.Action{Type: models.ActionAddAnswerTo, Args: []string{"answers"}}); err != nil {
			t.Fatalf("addAnswerTo failed: %v", err)
		}
		v := p.Parameters.Get("answers")
		if len(v.StrArr) != 3 || v.StrArr[0] != "old" || v.StrArr[2] != "new2" {
			t.Errorf("answers = %v, want [old new1 new2]", v.StrArr)
		}
	})

	t.Run("number array rejects any non-numeric element wholesale", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.Parameters["scores"] = params.NumberArray([]float64{1})
		p.CurrentAnswer = []string{"2", "oops"}
		if _, err := it.Process(p, models.Action{Type: models.ActionAddAnswerTo, Args: []string{"scores"}}); !errors.Is(err, params.ErrNotANumber) {
			t.Fatalf("addAnswerTo error = %v, want ErrNotANumber", err)
		}
		// No partial mutation on the store.
		stored, err := st.GetParticipant("p1")
		if err != nil || stored == nil {
			t.Fatalf("GetParticipant failed: %v", err)
		}
		if v := stored.Parameters.Get("scores"); v.Present {
			t.Errorf("persisted scores = %v, want untouched", v.NumArr)
		}
	})
}

func TestClearVars(t *testing.T) {
	st := store.NewInMemoryStore()
	it := NewInterpreter(st)

	t.Run("resets every named parameter to its zero value", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.Parameters["n"] = params.Number(7)
		p.Parameters["flag"] = params.Boolean(true)
		p.Parameters["answers"] = params.StringArray([]string{"x"})
		if err := st.SaveParticipant(*p); err != nil {
			t.Fatalf("SaveParticipant failed: %v", err)
		}
		res, err := it.Process(p, models.Action{Type: models.ActionClearVars, Args: []string{"n", "flag", "answers"}})
		if err != nil || !res.Succeeded() {
			t.Fatalf("clearVars failed: %+v, %v", res, err)
		}
		if v := p.Parameters.Get("n"); v.Num != 0 || !v.Present {
			t.Errorf("n = %+v, want 0", v)
		}
		if v := p.Parameters.Get("flag"); v.Bool {
			t.Error("flag still true after clear")
		}
		if v := p.Parameters.Get("answers"); len(v.StrArr) != 0 {
			t.Errorf("answers = %v, want empty", v.StrArr)
		}
	})

	t.Run("reserved name fails the whole call", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		p.Parameters["n"] = params.Number(7)
		if err := st.SaveParticipant(*p); err != nil {
			t.Fatalf("SaveParticipant failed: %v", err)
		}
		if _, err := it.Process(p, models.Action{Type: models.ActionClearVars, Args: []string{"n", params.ReservedStageDay}}); !errors.Is(err, params.ErrReservedName) {
			t.Fatalf("clearVars error = %v, want ErrReservedName", err)
		}
		stored, err := st.GetParticipant("p1")
		if err != nil || stored == nil {
			t.Fatalf("GetParticipant failed: %v", err)
		}
		if v := stored.Parameters.Get("n"); v.Num != 7 {
			t.Errorf("n = %v after failed clearVars, want 7 untouched", v.Num)
		}
	})

	t.Run("unknown name fails", func(t *testing.T) {
		p := newAnswerReceivedParticipant(t, st)
		if _, err := it.Process(p, models.Action{Type: models.ActionClearVars, Args: []string{"ghost"}}); !errors.Is(err, params.ErrUnknownName) {
			t.Errorf("clearVars(ghost) error = %v, want ErrUnknownName", err)
		}
	})
}
