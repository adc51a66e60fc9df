// Package stage implements the stage progression state machine.
//
// A participant's position in the study is the pair (stageName, stageDay)
// plus an append-only activity audit trail. Stage sequences come from the
// experiment configuration and may differ per condition. Days count from 0;
// once the incremented day reaches a stage's configured length the machine
// advances to the next stage, or terminates the experiment after the last
// one.
package stage

import (
	"fmt"
	"log/slog"

	"github.com/StudyPipe/StudyPipe/internal/experiment"
	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/store"
	"github.com/StudyPipe/StudyPipe/internal/util"
)

// OpenEnded is the sentinel returned for stage parameters that are not
// configured: an absent lengthDays or onDays restriction.
const OpenEnded = -1

// Machine advances participants through the configured stage sequence.
type Machine struct {
	store store.Store
	cfg   *experiment.Config
}

// NewMachine creates a stage machine over st driven by cfg.
func NewMachine(st store.Store, cfg *experiment.Config) *Machine {
	return &Machine{store: st, cfg: cfg}
}

// StageList resolves the ordered stage sequence for a condition. A flat
// sequence applies to every condition; condition-keyed sequences reject
// unknown conditions.
func (m *Machine) StageList(conditionName string) ([]experiment.StageDescriptor, error) {
	if len(m.cfg.Stages.ByCondition) > 0 {
		seq, ok := m.cfg.Stages.ByCondition[conditionName]
		if !ok {
			return nil, fmt.Errorf("%w: %s", experiment.ErrUnknownCondition, conditionName)
		}
		return seq, nil
	}
	if len(m.cfg.Stages.Flat) == 0 {
		return nil, experiment.ErrNoStageSequence
	}
	return m.cfg.Stages.Flat, nil
}

// findStage resolves one stage descriptor by name within a condition's
// sequence.
func (m *Machine) findStage(conditionName, stageName string) (experiment.StageDescriptor, error) {
	seq, err := m.StageList(conditionName)
	if err != nil {
		return experiment.StageDescriptor{}, err
	}
	for _, st := range seq {
		if st.Name == stageName {
			return st, nil
		}
	}
	return experiment.StageDescriptor{}, fmt.Errorf("%w: %s", experiment.ErrUnknownStage, stageName)
}

// StageLengthDays returns the configured day-length of a stage, or OpenEnded
// when the stage has no fixed length.
func (m *Machine) StageLengthDays(conditionName, stageName string) (int, error) {
	st, err := m.findStage(conditionName, stageName)
	if err != nil {
		return 0, err
	}
	if st.LengthDays == 0 {
		return OpenEnded, nil
	}
	return st.LengthDays, nil
}

// StageOnDays returns the weekday tokens a stage is restricted to, or nil
// when the stage runs on every weekday.
func (m *Machine) StageOnDays(conditionName, stageName string) ([]string, error) {
	st, err := m.findStage(conditionName, stageName)
	if err != nil {
		return nil, err
	}
	for _, day := range st.OnDays {
		if !experiment.IsValidWeekday(day) {
			return nil, fmt.Errorf("stage %s: %w: %q", stageName, experiment.ErrInvalidWeekday, day)
		}
	}
	if len(st.OnDays) == 0 {
		return nil, nil
	}
	return st.OnDays, nil
}

// NextStageName returns the name following stageName in the condition's
// sequence. When stageName is the last stage the result is a partial failure
// carrying the last-stage sentinel.
func (m *Machine) NextStageName(conditionName, stageName string) (models.Result, error) {
	seq, err := m.StageList(conditionName)
	if err != nil {
		return models.Result{}, err
	}
	for i, st := range seq {
		if st.Name != stageName {
			continue
		}
		if i == len(seq)-1 {
			return models.PartialFailureResult("last stage reached", models.LastStageSentinel), nil
		}
		return models.SuccessResult(seq[i+1].Name), nil
	}
	return models.Result{}, fmt.Errorf("%w: %s", experiment.ErrUnknownStage, stageName)
}

// StartStage activates stageName for the participant at day 0. An already
// active stage is implicitly ended first, so the audit trail always pairs
// BEGIN and END entries.
func (m *Machine) StartStage(p *models.Participant, stageName string) (models.Result, error) {
	if p == nil {
		return models.Result{}, models.ErrParticipantNil
	}
	if p.UniqueID == "" {
		return models.Result{}, models.ErrMissingUniqueID
	}
	if p.Stages.StageName != "" {
		if err := m.appendActivity(p, p.Stages.StageName, models.StageEventEnd); err != nil {
			return models.Result{}, err
		}
	}
	if err := m.store.UpdateStage(p.UniqueID, stageName, 0); err != nil {
		return models.Result{}, fmt.Errorf("failed to start stage %s for %s: %w", stageName, p.UniqueID, err)
	}
	p.Stages.StageName = stageName
	p.Stages.StageDay = 0
	if err := m.appendActivity(p, stageName, models.StageEventBegin); err != nil {
		return models.Result{}, err
	}
	slog.Info("Stage started", "participantID", p.UniqueID, "stage", stageName)
	return models.SuccessResult(stageName), nil
}

// EndCurrentStage ends the active stage, appending an END audit entry and
// clearing the stage fields. Fails when no stage is underway.
func (m *Machine) EndCurrentStage(p *models.Participant) (models.Result, error) {
	if p == nil {
		return models.Result{}, models.ErrParticipantNil
	}
	if p.Stages.StageName == "" {
		return models.Result{}, models.ErrNoActiveStage
	}
	ended := p.Stages.StageName
	if err := m.appendActivity(p, ended, models.StageEventEnd); err != nil {
		return models.Result{}, err
	}
	if err := m.store.UpdateStage(p.UniqueID, "", 0); err != nil {
		return models.Result{}, fmt.Errorf("failed to end stage %s for %s: %w", ended, p.UniqueID, err)
	}
	p.Stages.StageName = ""
	p.Stages.StageDay = 0
	slog.Info("Stage ended", "participantID", p.UniqueID, "stage", ended)
	return models.SuccessResult(ended), nil
}

// UpdateStageDay increments the participant's stage day. When the
// incremented day reaches the stage's configured length the machine advances
// to the next configured stage at day 0, or ends the experiment when the
// current stage was the last one. Open-ended stages just persist the new day.
//
// Success data is the new day number while the stage continues, the new
// stage name on advancement, or the last-stage sentinel on termination.
func (m *Machine) UpdateStageDay(participantID string) (models.Result, error) {
	p, err := m.store.GetParticipant(participantID)
	if err != nil {
		return models.Result{}, fmt.Errorf("failed to load participant %s: %w", participantID, err)
	}
	if p == nil {
		return models.Result{}, fmt.Errorf("%w: %s", models.ErrParticipantNotFound, participantID)
	}
	if p.Stages.StageName == "" {
		return models.Result{}, models.ErrNoActiveStage
	}

	lengthDays, err := m.StageLengthDays(p.ConditionName, p.Stages.StageName)
	if err != nil {
		return models.Result{}, err
	}
	newDay := p.Stages.StageDay + 1
	if lengthDays == OpenEnded || newDay < lengthDays {
		if err := m.store.UpdateStage(p.UniqueID, p.Stages.StageName, newDay); err != nil {
			return models.Result{}, fmt.Errorf("failed to update stage day for %s: %w", p.UniqueID, err)
		}
		p.Stages.StageDay = newDay
		slog.Debug("stage.UpdateStageDay: day advanced", "participantID", p.UniqueID,
			"stage", p.Stages.StageName, "day", newDay)
		return models.SuccessResult(newDay), nil
	}

	next, err := m.NextStageName(p.ConditionName, p.Stages.StageName)
	if err != nil {
		return models.Result{}, err
	}
	if next.Succeeded() {
		nextName, ok := next.Data.(string)
		if !ok {
			return models.Result{}, fmt.Errorf("unexpected next stage data for %s", p.UniqueID)
		}
		if _, err := m.StartStage(p, nextName); err != nil {
			return models.Result{}, err
		}
		return models.SuccessResult(nextName), nil
	}

	// Last stage finished: end it and terminate the experiment.
	if _, err := m.EndCurrentStage(p); err != nil {
		return models.Result{}, err
	}
	if err := m.store.UpdateState(p.UniqueID, models.StateExperimentEnd); err != nil {
		return models.Result{}, fmt.Errorf("failed to terminate experiment for %s: %w", p.UniqueID, err)
	}
	p.CurrentState = models.StateExperimentEnd
	slog.Info("Experiment ended", "participantID", p.UniqueID)
	return models.SuccessResult(models.LastStageSentinel), nil
}

// appendActivity records one BEGIN or END audit entry, timestamped in the
// participant's timezone, on both the store and the in-memory snapshot.
func (m *Machine) appendActivity(p *models.Participant, stageName string, kind models.StageEventKind) error {
	entry := models.StageActivity{
		StageName: stageName,
		Kind:      kind,
		Timestamp: util.Timestamp(p.Timezone(), experiment.DefaultTimezone),
	}
	if err := m.store.AppendStageActivity(p.UniqueID, entry); err != nil {
		return fmt.Errorf("failed to record %s activity for %s: %w", kind, p.UniqueID, err)
	}
	p.Stages.Activity = append(p.Stages.Activity, entry)
	return nil
}
