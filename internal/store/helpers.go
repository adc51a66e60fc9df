package store

import (
	"encoding/json"
	"fmt"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
)

// participantRow is the flat serialized form shared by the SQL backends.
type participantRow struct {
	parameters      []byte
	parameterTypes  []byte
	currentQuestion []byte
	currentAnswer   []byte
	stageActivity   []byte
}

// encodeParticipant serializes the JSON-typed columns of a participant.
func encodeParticipant(p models.Participant) (participantRow, error) {
	var row participantRow
	var err error

	if row.parameters, err = json.Marshal(p.Parameters); err != nil {
		return row, fmt.Errorf("failed to encode parameters: %w", err)
	}
	if row.parameterTypes, err = json.Marshal(p.ParameterTypes); err != nil {
		return row, fmt.Errorf("failed to encode parameter types: %w", err)
	}
	if p.CurrentQuestion != nil {
		if row.currentQuestion, err = json.Marshal(p.CurrentQuestion); err != nil {
			return row, fmt.Errorf("failed to encode current question: %w", err)
		}
	}
	answer := p.CurrentAnswer
	if answer == nil {
		answer = []string{}
	}
	if row.currentAnswer, err = json.Marshal(answer); err != nil {
		return row, fmt.Errorf("failed to encode current answer: %w", err)
	}
	activity := p.Stages.Activity
	if activity == nil {
		activity = []models.StageActivity{}
	}
	if row.stageActivity, err = json.Marshal(activity); err != nil {
		return row, fmt.Errorf("failed to encode stage activity: %w", err)
	}
	return row, nil
}

// decodeParticipant re-hydrates the JSON-typed columns into p. The parameter
// schema is decoded first so values can be re-typed against it.
func decodeParticipant(p *models.Participant, row participantRow) error {
	p.ParameterTypes = make(params.Schema)
	if len(row.parameterTypes) > 0 {
		if err := json.Unmarshal(row.parameterTypes, &p.ParameterTypes); err != nil {
			return fmt.Errorf("failed to decode parameter types: %w", err)
		}
	}
	values, err := params.DecodeValues(row.parameters, p.ParameterTypes)
	if err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	p.Parameters = values

	if len(row.currentQuestion) > 0 {
		var q models.Question
		if err := json.Unmarshal(row.currentQuestion, &q); err != nil {
			return fmt.Errorf("failed to decode current question: %w", err)
		}
		p.CurrentQuestion = &q
	}
	p.CurrentAnswer = []string{}
	if len(row.currentAnswer) > 0 {
		if err := json.Unmarshal(row.currentAnswer, &p.CurrentAnswer); err != nil {
			return fmt.Errorf("failed to decode current answer: %w", err)
		}
	}
	p.Stages.Activity = []models.StageActivity{}
	if len(row.stageActivity) > 0 {
		if err := json.Unmarshal(row.stageActivity, &p.Stages.Activity); err != nil {
			return fmt.Errorf("failed to decode stage activity: %w", err)
		}
	}
	return nil
}

// appendPayload concatenates records onto an encoded payload array.
func appendPayload(payload []byte, records []json.RawMessage) ([]byte, error) {
	var existing []json.RawMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &existing); err != nil {
			return nil, fmt.Errorf("failed to decode log payload: %w", err)
		}
	}
	existing = append(existing, records...)
	out, err := json.Marshal(existing)
	if err != nil {
		return nil, fmt.Errorf("failed to encode log payload: %w", err)
	}
	return out, nil
}
