package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/StudyPipe/StudyPipe/internal/action"
	"github.com/StudyPipe/StudyPipe/internal/conversation"
	"github.com/StudyPipe/StudyPipe/internal/experiment"
	"github.com/StudyPipe/StudyPipe/internal/logchain"
	"github.com/StudyPipe/StudyPipe/internal/messaging"
	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
	"github.com/StudyPipe/StudyPipe/internal/scheduler"
	"github.com/StudyPipe/StudyPipe/internal/stage"
	"github.com/StudyPipe/StudyPipe/internal/store"
	"github.com/StudyPipe/StudyPipe/internal/twiliowhatsapp"
)

type fakeService struct {
	mu       sync.Mutex
	sent     []string
	sentTo   []string
	receipts chan models.Receipt
	inbound  chan models.Response
}

func newFakeService() *fakeService {
	return &fakeService{
		receipts: make(chan models.Receipt, 10),
		inbound:  make(chan models.Response, 10),
	}
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	return svc.ValidateAndCanonicalizeRecipient(recipient)
}

func (f *fakeService) SendMessage(ctx context.Context, to string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	f.sentTo = append(f.sentTo, to)
	return nil
}

func (f *fakeService) Start(ctx context.Context) error { return nil }
func (f *fakeService) Stop() error                     { return nil }

func (f *fakeService) Receipts() <-chan models.Receipt   { return f.receipts }
func (f *fakeService) Responses() <-chan models.Response { return f.inbound }

func testServer(t *testing.T) (*Server, *fakeService, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	chain := logchain.NewChain(st)
	cfg := &experiment.Config{
		ExperimentID: "exp1",
		Conditions:   []experiment.Condition{{Name: "control"}},
		Stages: experiment.StageSequences{
			Flat: []experiment.StageDescriptor{{Name: "onboarding", LengthDays: 2}, {Name: "main"}},
		},
		Questions: map[string]models.Question{
			"color": {QID: "color", Text: "Favorite color?", Type: models.QuestionSingleChoice,
				Options: []string{"red", "green", "blue"}},
		},
		ParameterTypes: params.Schema{
			"score": params.TypeNumber,
		},
		Phrases: experiment.Phrases{
			TerminateAnswer: map[string]string{"English": "Finished"},
		},
	}
	engine := conversation.NewEngine(st, chain, cfg)
	stages := stage.NewMachine(st, cfg)
	interp := action.NewInterpreter(st)
	svc := newFakeService()
	router := messaging.NewRouter(st, engine, interp, svc)
	sched := scheduler.NewScheduler()
	t.Cleanup(sched.Stop)

	return NewServer(st, cfg, engine, stages, chain, svc, router, sched, nil), svc, st
}

func doJSON(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEnrollParticipant(t *testing.T) {
	s, _, st := testServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"+1 (555) 123-4567"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enroll status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	p, err := st.GetParticipant("15551234567")
	if err != nil || p == nil {
		t.Fatalf("participant not stored: %v", err)
	}
	if p.ConditionName != "control" {
		t.Errorf("condition = %q, want control", p.ConditionName)
	}
	if p.Stages.StageName != "onboarding" || p.Stages.StageDay != 0 {
		t.Errorf("stage = %+v, want onboarding day 0", p.Stages)
	}
	if lang := p.Language(); lang != experiment.DefaultLanguage {
		t.Errorf("language = %q, want default", lang)
	}
	if v := p.Parameters.Get("score"); !v.Present || v.Type != params.TypeNumber || v.Num != 0 {
		t.Errorf("score parameter = %+v, want zero number", v)
	}
}

func TestEnrollDuplicate(t *testing.T) {
	s, _, _ := testServer(t)

	if rec := doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"15551234567"}`); rec.Code != http.StatusCreated {
		t.Fatalf("first enroll status = %d", rec.Code)
	}
	if rec := doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"15551234567"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate enroll status = %d, want 409", rec.Code)
	}
}

func TestEnrollValidation(t *testing.T) {
	s, _, _ := testServer(t)

	if rec := doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"abc"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad phone status = %d, want 400", rec.Code)
	}
	if rec := doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"15551234567","conditionName":"ghost"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown condition status = %d, want 400", rec.Code)
	}
}

func TestPromptDeliversQuestion(t *testing.T) {
	s, svc, st := testServer(t)
	doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"15551234567"}`)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/participants/15551234567/prompt", `{"qId":"color"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("prompt status = %d: %s", rec.Code, rec.Body.String())
	}

	svc.mu.Lock()
	sent := append([]string{}, svc.sent...)
	svc.mu.Unlock()
	if len(sent) != 1 || sent[0] != "Favorite color?" {
		t.Fatalf("sent = %v, want the question text", sent)
	}

	p, _ := st.GetParticipant("15551234567")
	if p.CurrentState != models.StateAwaitingAnswer {
		t.Errorf("state = %q, want awaitingAnswer", p.CurrentState)
	}
	if p.CurrentQuestion == nil || p.CurrentQuestion.QID != "color" {
		t.Errorf("currentQuestion = %+v, want color", p.CurrentQuestion)
	}
}

func TestPromptUnknownQuestion(t *testing.T) {
	s, _, _ := testServer(t)
	doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"15551234567"}`)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/participants/15551234567/prompt", `{"qId":"ghost"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown question status = %d, want 400", rec.Code)
	}
}

func TestGetParticipantNotFound(t *testing.T) {
	s, _, _ := testServer(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/participants/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAnswerExport(t *testing.T) {
	s, _, st := testServer(t)
	doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"15551234567"}`)
	doJSON(t, s.Handler(), http.MethodPost, "/participants/15551234567/prompt", `{"qId":"color"}`)

	// Answer through the router path to finalize a round.
	p, _ := st.GetParticipant("15551234567")
	if _, err := s.engine.ProcessAnswer(p, "blue"); err != nil {
		t.Fatalf("ProcessAnswer failed: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/participants/15551234567/answers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("answers status = %d: %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Status string                `json:"status"`
		Result []models.AnswerRecord `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode export: %v", err)
	}
	if len(envelope.Result) != 1 || envelope.Result[0].QID != "color" {
		t.Fatalf("export = %+v, want one color record", envelope.Result)
	}
	if len(envelope.Result[0].Answer) != 1 || envelope.Result[0].Answer[0] != "blue" {
		t.Errorf("answer = %v, want [blue]", envelope.Result[0].Answer)
	}

	recExp := doJSON(t, s.Handler(), http.MethodGet, "/experiments/exp1/answers", "")
	if recExp.Code != http.StatusOK {
		t.Fatalf("experiment export status = %d", recExp.Code)
	}
	var expEnvelope struct {
		Result map[string][]models.AnswerRecord `json:"result"`
	}
	if err := json.Unmarshal(recExp.Body.Bytes(), &expEnvelope); err != nil {
		t.Fatalf("failed to decode experiment export: %v", err)
	}
	if len(expEnvelope.Result["15551234567"]) != 1 {
		t.Errorf("experiment export = %+v, want one record for participant", expEnvelope.Result)
	}
}

// pausingStore blocks one GetParticipant call between its read and the
// caller's subsequent writes, widening the window in which an unserialized
// writer could interleave on the stale snapshot.
type pausingStore struct {
	store.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (ps *pausingStore) arm() {
	ps.mu.Lock()
	ps.armed = true
	ps.mu.Unlock()
}

func (ps *pausingStore) GetParticipant(uniqueID string) (*models.Participant, error) {
	p, err := ps.Store.GetParticipant(uniqueID)
	ps.mu.Lock()
	armed := ps.armed
	ps.armed = false
	ps.mu.Unlock()
	if armed {
		close(ps.entered)
		<-ps.release
	}
	return p, err
}

// An answer deadline firing while an inbound answer for the same round is in
// flight must not close the round twice: both paths hold the participant's
// serialization lock, so exactly one answer record is written.
func TestDeadlineSerializedWithInboundAnswer(t *testing.T) {
	ps := &pausingStore{
		Store:   store.NewInMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	chain := logchain.NewChain(ps)
	cfg := &experiment.Config{
		ExperimentID: "exp1",
		Conditions:   []experiment.Condition{{Name: "control"}},
		Stages: experiment.StageSequences{
			Flat: []experiment.StageDescriptor{{Name: "main"}},
		},
		Questions: map[string]models.Question{
			"color": {QID: "color", Text: "Favorite color?", Type: models.QuestionSingleChoice,
				Options: []string{"red", "green", "blue"}},
		},
		Phrases: experiment.Phrases{
			TerminateAnswer: map[string]string{"English": "Finished"},
		},
	}
	engine := conversation.NewEngine(ps, chain, cfg)
	stages := stage.NewMachine(ps, cfg)
	interp := action.NewInterpreter(ps)
	svc := newFakeService()
	router := messaging.NewRouter(ps, engine, interp, svc)
	sched := scheduler.NewScheduler()
	t.Cleanup(sched.Stop)
	s := NewServer(ps, cfg, engine, stages, chain, svc, router, sched, nil)

	doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"15551234567"}`)
	doJSON(t, s.Handler(), http.MethodPost, "/participants/15551234567/prompt", `{"qId":"color"}`)

	// Pause the deadline path between its participant read and its writes
	// while a valid inbound answer arrives.
	ps.arm()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.closeUnanswered("15551234567")
	}()
	<-ps.entered

	var procErr error
	go func() {
		defer wg.Done()
		procErr = router.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "blue"})
	}()
	close(ps.release)
	wg.Wait()

	if procErr != nil {
		t.Fatalf("ProcessResponse failed: %v", procErr)
	}
	records, err := chain.ReconstructAnswers("15551234567")
	if err != nil {
		t.Fatalf("ReconstructAnswers failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("answer records = %d, want exactly 1 for the round: %+v", len(records), records)
	}
	if len(records[0].Answer) != 1 || records[0].Answer[0] != models.SignalNoResponse {
		t.Errorf("answer = %v, want the deadline's NO_RESPONSE record", records[0].Answer)
	}
}

func TestDeleteParticipant(t *testing.T) {
	s, _, st := testServer(t)
	doJSON(t, s.Handler(), http.MethodPost, "/participants", `{"phone":"15551234567"}`)

	rec := doJSON(t, s.Handler(), http.MethodDelete, "/participants/15551234567", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	p, _ := st.GetParticipant("15551234567")
	if p != nil {
		t.Error("participant still present after delete")
	}
}
