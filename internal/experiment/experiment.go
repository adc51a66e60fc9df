// Package experiment defines the static experiment configuration consumed by
// the conversation and stage machinery. Configurations are loaded once at
// startup and treated as read-only afterwards.
package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
)

// DefaultTimezone is the fallback IANA timezone applied when a participant
// has no timezone parameter set.
const DefaultTimezone = "America/New_York"

// DefaultLanguage is the fallback language applied at enrollment.
const DefaultLanguage = "English"

// Error variables for configuration handling.
var (
	ErrUnknownCondition = errors.New("condition not present in configuration")
	ErrUnknownStage     = errors.New("stage not present in configuration")
	ErrUnknownQuestion  = errors.New("question not present in configuration")
	ErrNoStageSequence  = errors.New("no stage sequence configured")
	ErrInvalidWeekday   = errors.New("invalid weekday token")
)

// Weekday tokens accepted in stage onDays lists.
var validWeekdays = map[string]bool{
	"Sunday": true, "Monday": true, "Tuesday": true, "Wednesday": true,
	"Thursday": true, "Friday": true, "Saturday": true,
}

// IsValidWeekday reports whether token is an accepted weekday name.
func IsValidWeekday(token string) bool {
	return validWeekdays[token]
}

// StageDescriptor describes one named phase of the study. LengthDays of 0
// means the stage is open-ended; OnDays empty means every weekday is valid.
type StageDescriptor struct {
	Name       string   `json:"name"`
	LengthDays int      `json:"lengthDays,omitempty"`
	OnDays     []string `json:"onDays,omitempty"`
}

// Condition is one experimental group participants are assigned to.
type Condition struct {
	Name             string `json:"name"`
	AssignmentWeight int    `json:"assignmentWeight,omitempty"`
}

// StageSequences holds the stage ordering, either condition-independent
// (Flat) or keyed by condition name (ByCondition). Exactly one of the two is
// set in a valid configuration.
type StageSequences struct {
	Flat        []StageDescriptor            `json:"flat,omitempty"`
	ByCondition map[string][]StageDescriptor `json:"byCondition,omitempty"`
}

// Phrases holds locale-specific control phrases keyed by language name.
type Phrases struct {
	TerminateAnswer map[string]string `json:"terminateAnswer"`
}

// Config is a fully loaded experiment definition.
type Config struct {
	ExperimentID   string                     `json:"experimentId"`
	ExperimentName string                     `json:"experimentName,omitempty"`
	Conditions     []Condition                `json:"conditions"`
	Stages         StageSequences             `json:"stages"`
	Questions      map[string]models.Question `json:"questions"`
	ParameterTypes params.Schema              `json:"parameterTypes"`
	Phrases        Phrases                    `json:"phrases"`
}

// Load reads and validates an experiment configuration file.
func Load(path string) (*Config, error) {
	slog.Debug("experiment.Load: reading configuration", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("experiment.Load: failed to read configuration", "error", err, "path", path)
		return nil, fmt.Errorf("failed to read experiment config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Error("experiment.Load: failed to parse configuration", "error", err, "path", path)
		return nil, fmt.Errorf("failed to parse experiment config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Info("Experiment configuration loaded", "experimentID", cfg.ExperimentID,
		"conditions", len(cfg.Conditions), "questions", len(cfg.Questions))
	return &cfg, nil
}

// Validate performs the structural checks the runtime depends on.
func (c *Config) Validate() error {
	if c.ExperimentID == "" {
		return errors.New("experiment config missing experimentId")
	}
	if len(c.Conditions) == 0 {
		return errors.New("experiment config has no conditions")
	}
	if len(c.Stages.Flat) == 0 && len(c.Stages.ByCondition) == 0 {
		return ErrNoStageSequence
	}
	if len(c.Stages.ByCondition) > 0 {
		for _, cond := range c.Conditions {
			seq, ok := c.Stages.ByCondition[cond.Name]
			if !ok {
				return fmt.Errorf("condition %s has no stage sequence", cond.Name)
			}
			if err := validateSequence(seq); err != nil {
				return fmt.Errorf("condition %s: %w", cond.Name, err)
			}
		}
	} else {
		if err := validateSequence(c.Stages.Flat); err != nil {
			return err
		}
	}
	for name, t := range c.ParameterTypes {
		if !params.IsValidType(t) {
			return fmt.Errorf("parameter %s: %w: %q", name, params.ErrUnknownType, t)
		}
	}
	for qid, q := range c.Questions {
		if !models.IsValidQuestionType(q.Type) {
			return fmt.Errorf("question %s: %w: %q", qid, models.ErrInvalidQuestionType, q.Type)
		}
	}
	return nil
}

func validateSequence(seq []StageDescriptor) error {
	seen := make(map[string]bool, len(seq))
	for i, st := range seq {
		if st.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[st.Name] {
			return fmt.Errorf("stage %s appears twice in sequence", st.Name)
		}
		seen[st.Name] = true
		if st.LengthDays < 0 {
			return fmt.Errorf("stage %s has negative lengthDays", st.Name)
		}
		for _, day := range st.OnDays {
			if !IsValidWeekday(day) {
				return fmt.Errorf("stage %s: %w: %q", st.Name, ErrInvalidWeekday, day)
			}
		}
	}
	return nil
}

// HasCondition reports whether name is a configured condition.
func (c *Config) HasCondition(name string) bool {
	for _, cond := range c.Conditions {
		if cond.Name == name {
			return true
		}
	}
	return false
}

// ConditionIndex returns the position of a condition by name, or -1.
func (c *Config) ConditionIndex(name string) int {
	for i, cond := range c.Conditions {
		if cond.Name == name {
			return i
		}
	}
	return -1
}

// PickCondition assigns a condition by weighted random draw. Conditions with
// no assignment weight count as weight 1.
func (c *Config) PickCondition() (int, Condition) {
	total := 0
	for _, cond := range c.Conditions {
		total += weightOf(cond)
	}
	draw := rand.IntN(total)
	for i, cond := range c.Conditions {
		draw -= weightOf(cond)
		if draw < 0 {
			return i, cond
		}
	}
	return len(c.Conditions) - 1, c.Conditions[len(c.Conditions)-1]
}

func weightOf(cond Condition) int {
	if cond.AssignmentWeight > 0 {
		return cond.AssignmentWeight
	}
	return 1
}

// Question resolves a question descriptor by ID.
func (c *Config) Question(qid string) (models.Question, error) {
	q, ok := c.Questions[qid]
	if !ok {
		return models.Question{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, qid)
	}
	return q, nil
}

// TerminateAnswerPhrase returns the locale's multi-choice terminate phrase.
func (c *Config) TerminateAnswerPhrase(language string) (string, error) {
	phrase, ok := c.Phrases.TerminateAnswer[language]
	if !ok {
		return "", fmt.Errorf("no terminate phrase configured for language %s", language)
	}
	return phrase, nil
}
