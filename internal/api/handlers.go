package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/StudyPipe/StudyPipe/internal/experiment"
	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
)

// enrollRequest is the body of POST /participants.
type enrollRequest struct {
	Phone         string `json:"phone"`
	ConditionName string `json:"conditionName,omitempty"`
	Language      string `json:"language,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// promptRequest is the body of POST /participants/{id}/prompt.
type promptRequest struct {
	QID             string `json:"qId"`
	Scheduled       bool   `json:"scheduled,omitempty"`
	DeadlineMinutes int    `json:"deadlineMinutes,omitempty"`
}

// enrollHandler enrolls a new participant. The canonical phone number becomes
// the participant's unique id. The participant is assigned a condition
// (weighted random when none is named) and placed into the first stage of its
// sequence.
func (s *Server) enrollHandler(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	existing, err := s.store.GetParticipant(canonical)
	if err != nil {
		slog.Error("Server.enrollHandler: participant lookup failed", "error", err, "participantID", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to check enrollment"))
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("participant already enrolled"))
		return
	}

	conditionIdx := -1
	var condition experiment.Condition
	if req.ConditionName != "" {
		conditionIdx = s.cfg.ConditionIndex(req.ConditionName)
		if conditionIdx < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("unknown condition "+req.ConditionName))
			return
		}
		condition = s.cfg.Conditions[conditionIdx]
	} else {
		conditionIdx, condition = s.cfg.PickCondition()
	}

	language := req.Language
	if language == "" {
		language = experiment.DefaultLanguage
	}

	values := make(params.Values, len(s.cfg.ParameterTypes))
	schema := make(params.Schema, len(s.cfg.ParameterTypes))
	for name, t := range s.cfg.ParameterTypes {
		schema[name] = t
		values[name] = params.Zero(t)
	}
	values["language"] = params.String(language)
	schema["language"] = params.TypeString
	if req.Timezone != "" {
		values["timezone"] = params.String(req.Timezone)
		schema["timezone"] = params.TypeString
	}

	now := time.Now()
	p := models.Participant{
		UniqueID:       canonical,
		ExperimentID:   s.cfg.ExperimentID,
		ConditionIdx:   conditionIdx,
		ConditionName:  condition.Name,
		Parameters:     values,
		ParameterTypes: schema,
		CurrentAnswer:  []string{},
		CurrentState:   models.StateStarting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveParticipant(p); err != nil {
		slog.Error("Server.enrollHandler: failed to save participant", "error", err, "participantID", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to enroll participant"))
		return
	}

	for _, kind := range []models.LogKind{models.LogKindAnswers, models.LogKindTranscripts, models.LogKindDebug} {
		if err := s.chain.Ensure(kind, p.ExperimentID, p.UniqueID); err != nil {
			slog.Error("Server.enrollHandler: failed to create log chain", "error", err, "kind", kind, "participantID", canonical)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to initialize participant logs"))
			return
		}
	}

	stageList, err := s.stages.StageList(condition.Name)
	if err != nil {
		slog.Error("Server.enrollHandler: no stage sequence", "error", err, "condition", condition.Name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("no stage sequence for condition"))
		return
	}
	if _, err := s.stages.StartStage(&p, stageList[0].Name); err != nil {
		slog.Error("Server.enrollHandler: failed to start first stage", "error", err, "participantID", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to start first stage"))
		return
	}

	slog.Info("Participant enrolled", "participantID", canonical, "condition", condition.Name, "stage", stageList[0].Name)
	writeJSONResponse(w, http.StatusCreated, models.Success(p))
}

// listParticipantsHandler returns every enrolled participant.
func (s *Server) listParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListParticipants()
	if err != nil {
		slog.Error("Server.listParticipantsHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list participants"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

// getParticipantHandler returns one participant record.
func (s *Server) getParticipantHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadParticipant(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// deleteParticipantHandler removes a participant and disarms any pending
// answer deadline.
func (s *Server) deleteParticipantHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.sched != nil {
		s.sched.CancelDeadline(id)
	}
	if err := s.store.DeleteParticipant(id); err != nil {
		slog.Error("Server.deleteParticipantHandler failed", "error", err, "participantID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to delete participant"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// promptHandler poses a configured question to a participant and delivers the
// question text. An optional deadline closes the round via the no-response
// path when it elapses. The whole operation runs under the participant's
// serialization lock so it cannot interleave with inbound message processing.
func (s *Server) promptHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}

	s.router.WithParticipantLock(id, func() error {
		p, err := s.store.GetParticipant(id)
		if err != nil {
			slog.Error("Server.promptHandler: participant lookup failed", "error", err, "participantID", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load participant"))
			return nil
		}
		if p == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("participant not found"))
			return nil
		}

		res, err := s.engine.PoseQuestion(p, req.QID, req.Scheduled)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return nil
		}
		text, _ := res.Data.(string)
		if err := s.msgService.SendMessage(r.Context(), p.UniqueID, text); err != nil {
			slog.Error("Server.promptHandler: failed to deliver question", "error", err, "participantID", p.UniqueID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to deliver question"))
			return nil
		}
		if err := s.engine.RecordTranscript(p, "bot", text); err != nil {
			slog.Error("Server.promptHandler: failed to record transcript", "error", err, "participantID", p.UniqueID)
		}

		if req.DeadlineMinutes > 0 && s.sched != nil {
			s.sched.ScheduleDeadline(id, time.Duration(req.DeadlineMinutes)*time.Minute, func() {
				s.closeUnanswered(id)
			})
		}

		writeJSONResponse(w, http.StatusOK, models.Success(res))
		return nil
	})
}

// closeUnanswered runs the no-response path when an answer deadline elapses,
// firing the question's follow-up actions if the round finalized. It holds the
// participant's serialization lock so a deadline firing while an inbound
// answer is in flight cannot close the same round twice.
func (s *Server) closeUnanswered(participantID string) {
	s.router.WithParticipantLock(participantID, func() error {
		res, err := s.engine.HandleNoResponse(participantID)
		if err != nil {
			slog.Error("Server.closeUnanswered failed", "error", err, "participantID", participantID)
			return nil
		}
		if !res.Succeeded() || res.Data != models.SignalNextAction {
			return nil
		}
		p, err := s.store.GetParticipant(participantID)
		if err != nil || p == nil {
			slog.Error("Server.closeUnanswered: failed to reload participant", "error", err, "participantID", participantID)
			return nil
		}
		if err := s.router.RunNextActions(p); err != nil {
			slog.Error("Server.closeUnanswered: follow-up actions failed", "error", err, "participantID", participantID)
		}
		return nil
	})
}

// answersHandler exports one participant's full answer history in
// chronological order.
func (s *Server) answersHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	records, err := s.chain.ReconstructAnswers(id)
	if err != nil {
		slog.Error("Server.answersHandler failed", "error", err, "participantID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to reconstruct answers"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// transcriptsHandler exports one participant's full message transcript in
// chronological order.
func (s *Server) transcriptsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	messages, err := s.chain.ReconstructTranscripts(id)
	if err != nil {
		slog.Error("Server.transcriptsHandler failed", "error", err, "participantID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to reconstruct transcripts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

// experimentAnswersHandler exports the answer histories of every participant
// enrolled in the named experiment, keyed by participant id.
func (s *Server) experimentAnswersHandler(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("experimentId")
	list, err := s.store.ListParticipants()
	if err != nil {
		slog.Error("Server.experimentAnswersHandler list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list participants"))
		return
	}

	export := make(map[string][]models.AnswerRecord)
	for _, p := range list {
		if p.ExperimentID != experimentID {
			continue
		}
		records, err := s.chain.ReconstructAnswers(p.UniqueID)
		if err != nil {
			slog.Error("Server.experimentAnswersHandler reconstruct failed", "error", err, "participantID", p.UniqueID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to reconstruct answers for "+p.UniqueID))
			return
		}
		export[p.UniqueID] = records
	}
	writeJSONResponse(w, http.StatusOK, models.Success(export))
}

// loadParticipant resolves the {id} path segment to a participant, writing
// the error response itself when that fails.
func (s *Server) loadParticipant(w http.ResponseWriter, r *http.Request) (*models.Participant, bool) {
	id := r.PathValue("id")
	p, err := s.store.GetParticipant(id)
	if err != nil {
		slog.Error("Server: participant lookup failed", "error", err, "participantID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load participant"))
		return nil, false
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("participant not found"))
		return nil, false
	}
	return p, true
}
