package experiment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
)

func validConfig() *Config {
	return &Config{
		ExperimentID: "exp1",
		Conditions:   []Condition{{Name: "control"}, {Name: "treatment", AssignmentWeight: 3}},
		Stages: StageSequences{
			Flat: []StageDescriptor{
				{Name: "onboarding", LengthDays: 2},
				{Name: "main", OnDays: []string{"Monday", "Friday"}},
			},
		},
		Questions: map[string]models.Question{
			"color": {QID: "color", Text: "Favorite color?", Type: models.QuestionSingleChoice,
				Options: []string{"red", "green"}},
		},
		ParameterTypes: params.Schema{"score": params.TypeNumber},
		Phrases: Phrases{
			TerminateAnswer: map[string]string{"English": "Finished"},
		},
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiment.json")
	content := `{
		"experimentId": "exp1",
		"conditions": [{"name": "control"}],
		"stages": {"flat": [{"name": "onboarding", "lengthDays": 2}]},
		"questions": {
			"color": {"qId": "color", "text": "Favorite color?", "qType": "singleChoice",
				"options": ["red", "green"]}
		},
		"parameterTypes": {"score": "number"},
		"phrases": {"terminateAnswer": {"English": "Finished"}}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ExperimentID != "exp1" {
		t.Errorf("ExperimentID = %q, want exp1", cfg.ExperimentID)
	}
	if len(cfg.Conditions) != 1 || cfg.Conditions[0].Name != "control" {
		t.Errorf("Conditions = %+v, want [control]", cfg.Conditions)
	}
	q, err := cfg.Question("color")
	if err != nil || q.Type != models.QuestionSingleChoice {
		t.Errorf("Question(color) = %+v, %v", q, err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load of missing file succeeded")
	}

	badPath := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(badPath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	if _, err := Load(badPath); err == nil {
		t.Error("Load of malformed JSON succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing experimentId", func(c *Config) { c.ExperimentID = "" }},
		{"no conditions", func(c *Config) { c.Conditions = nil }},
		{"no stage sequence", func(c *Config) { c.Stages = StageSequences{} }},
		{"unnamed stage", func(c *Config) { c.Stages.Flat[0].Name = "" }},
		{"duplicate stage", func(c *Config) { c.Stages.Flat[1].Name = "onboarding" }},
		{"negative lengthDays", func(c *Config) { c.Stages.Flat[0].LengthDays = -1 }},
		{"bad weekday", func(c *Config) { c.Stages.Flat[1].OnDays = []string{"Mon"} }},
		{"bad parameter type", func(c *Config) { c.ParameterTypes["score"] = params.Type("tuple") }},
		{"bad question type", func(c *Config) {
			q := c.Questions["color"]
			q.Type = "essay"
			c.Questions["color"] = q
		}},
		{"byCondition missing sequence", func(c *Config) {
			c.Stages = StageSequences{ByCondition: map[string][]StageDescriptor{
				"control": {{Name: "main"}},
			}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid configuration")
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate rejected a valid configuration: %v", err)
	}
}

func TestConditionLookup(t *testing.T) {
	cfg := validConfig()
	if !cfg.HasCondition("treatment") || cfg.HasCondition("ghost") {
		t.Error("HasCondition lookup wrong")
	}
	if idx := cfg.ConditionIndex("treatment"); idx != 1 {
		t.Errorf("ConditionIndex(treatment) = %d, want 1", idx)
	}
	if idx := cfg.ConditionIndex("ghost"); idx != -1 {
		t.Errorf("ConditionIndex(ghost) = %d, want -1", idx)
	}
}

func TestPickConditionSingle(t *testing.T) {
	cfg := &Config{Conditions: []Condition{{Name: "only"}}}
	for i := 0; i < 10; i++ {
		idx, cond := cfg.PickCondition()
		if idx != 0 || cond.Name != "only" {
			t.Fatalf("PickCondition = %d, %s, want 0, only", idx, cond.Name)
		}
	}
}

func TestPickConditionWeighted(t *testing.T) {
	cfg := &Config{Conditions: []Condition{
		{Name: "heavy", AssignmentWeight: 1000},
		{Name: "light"},
	}}
	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		idx, cond := cfg.PickCondition()
		if idx < 0 || idx >= len(cfg.Conditions) || cfg.Conditions[idx].Name != cond.Name {
			t.Fatalf("PickCondition returned inconsistent draw %d/%s", idx, cond.Name)
		}
		counts[cond.Name]++
	}
	if counts["heavy"] <= counts["light"] {
		t.Errorf("draws = %v, heavy weight should dominate", counts)
	}
}

func TestTerminateAnswerPhrase(t *testing.T) {
	cfg := validConfig()
	phrase, err := cfg.TerminateAnswerPhrase("English")
	if err != nil || phrase != "Finished" {
		t.Errorf("TerminateAnswerPhrase(English) = %q, %v", phrase, err)
	}
	if _, err := cfg.TerminateAnswerPhrase("Klingon"); err == nil {
		t.Error("TerminateAnswerPhrase accepted unknown language")
	}
}

func TestQuestionLookup(t *testing.T) {
	cfg := validConfig()
	if _, err := cfg.Question("ghost"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("Question(ghost) error = %v, want ErrUnknownQuestion", err)
	}
}

func TestIsValidWeekday(t *testing.T) {
	for _, day := range []string{"Sunday", "Wednesday", "Saturday"} {
		if !IsValidWeekday(day) {
			t.Errorf("IsValidWeekday(%q) = false", day)
		}
	}
	for _, day := range []string{"sunday", "Mon", ""} {
		if IsValidWeekday(day) {
			t.Errorf("IsValidWeekday(%q) = true", day)
		}
	}
}
