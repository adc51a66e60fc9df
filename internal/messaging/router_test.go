package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/StudyPipe/StudyPipe/internal/action"
	"github.com/StudyPipe/StudyPipe/internal/conversation"
	"github.com/StudyPipe/StudyPipe/internal/experiment"
	"github.com/StudyPipe/StudyPipe/internal/logchain"
	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
	"github.com/StudyPipe/StudyPipe/internal/store"
)

// mockService records outbound messages and exposes a writable responses
// channel for tests.
type mockService struct {
	mu        sync.Mutex
	sent      []models.Response
	receipts  chan models.Receipt
	responses chan models.Response
}

func newMockService() *mockService {
	return &mockService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *mockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, models.Response{From: to, Body: body})
	return nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }
func (m *mockService) Stop() error                     { return nil }

func (m *mockService) Receipts() <-chan models.Receipt   { return m.receipts }
func (m *mockService) Responses() <-chan models.Response { return m.responses }

func (m *mockService) sentMessages() []models.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Response{}, m.sent...)
}

const testPhone = "15551234567"

func testRouter(t *testing.T) (*Router, *mockService, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	chain := logchain.NewChain(st)
	cfg := &experiment.Config{
		ExperimentID: "exp1",
		Conditions:   []experiment.Condition{{Name: "control"}},
		Stages: experiment.StageSequences{
			Flat: []experiment.StageDescriptor{{Name: "main"}},
		},
		Questions: map[string]models.Question{
			"color": {QID: "color", Text: "Favorite color?", Type: models.QuestionSingleChoice,
				Options: []string{"red", "green", "blue"},
				NextActions: []models.Action{
					{Type: models.ActionSaveAnswerTo, Args: []string{"favColor"}},
				}},
		},
		Phrases: experiment.Phrases{
			TerminateAnswer: map[string]string{"English": "Finished"},
		},
	}
	engine := conversation.NewEngine(st, chain, cfg)
	interp := action.NewInterpreter(st)
	svc := newMockService()
	return NewRouter(st, engine, interp, svc), svc, st
}

func enrolledParticipant(t *testing.T, st store.Store, q *models.Question) *models.Participant {
	t.Helper()
	p := models.Participant{
		UniqueID:     testPhone,
		ExperimentID: "exp1",
		Parameters: params.Values{
			"language": params.String("English"),
		},
		ParameterTypes: params.Schema{
			"language": params.TypeString,
			"favColor": params.TypeString,
		},
		CurrentQuestion: q,
		CurrentAnswer:   []string{},
		CurrentState:    models.StateAwaitingAnswer,
		Stages:          models.StageState{StageName: "main", StageDay: 0},
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := st.SaveParticipant(p); err != nil {
		t.Fatalf("SaveParticipant failed: %v", err)
	}
	return &p
}

func TestProcessResponseUnknownSender(t *testing.T) {
	rt, svc, _ := testRouter(t)

	err := rt.ProcessResponse(context.Background(), models.Response{From: "+1 (555) 987-6543", Body: "hello"})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	sent := svc.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1 default reply", len(sent))
	}
	if sent[0].From != "15559876543" {
		t.Errorf("default reply sent to %q, want canonical number", sent[0].From)
	}
}

func TestProcessResponseValidAnswerRunsActions(t *testing.T) {
	rt, svc, st := testRouter(t)
	q := models.Question{QID: "color", Text: "Favorite color?", Type: models.QuestionSingleChoice,
		Options: []string{"red", "green", "blue"},
		NextActions: []models.Action{
			{Type: models.ActionSaveAnswerTo, Args: []string{"favColor"}},
		}}
	enrolledParticipant(t, st, &q)

	err := rt.ProcessResponse(context.Background(), models.Response{From: testPhone, Body: "green"})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	stored, err := st.GetParticipant(testPhone)
	if err != nil || stored == nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if stored.CurrentState != models.StateAnswerReceived {
		t.Errorf("state = %q, want answerReceived", stored.CurrentState)
	}
	v := stored.Parameters.Get("favColor")
	if !v.Present || v.Str != "green" {
		t.Errorf("favColor = %+v, want saved answer \"green\"", v)
	}
	if len(svc.sentMessages()) != 0 {
		t.Errorf("sent %d messages, want none for a valid answer", len(svc.sentMessages()))
	}
}

func TestProcessResponseInvalidAnswerRepostsQuestion(t *testing.T) {
	rt, svc, st := testRouter(t)
	q := models.Question{QID: "color", Text: "Favorite color?", Type: models.QuestionSingleChoice,
		Options: []string{"red", "green", "blue"}}
	enrolledParticipant(t, st, &q)

	err := rt.ProcessResponse(context.Background(), models.Response{From: testPhone, Body: "purple"})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	sent := svc.sentMessages()
	if len(sent) != 1 || sent[0].Body != "Favorite color?" {
		t.Fatalf("sent = %+v, want the question re-posed once", sent)
	}

	stored, err := st.GetParticipant(testPhone)
	if err != nil || stored == nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if stored.CurrentState != models.StateAwaitingAnswer {
		t.Errorf("state = %q, want awaitingAnswer after re-posing", stored.CurrentState)
	}
	if stored.LastInvalidAnswer != "purple" {
		t.Errorf("lastInvalidAnswer = %q, want the rejected input", stored.LastInvalidAnswer)
	}
}

func TestProcessResponseAccumulatingAnswerStaysQuiet(t *testing.T) {
	rt, svc, st := testRouter(t)
	q := models.Question{QID: "hobbies", Text: "Hobbies?", Type: models.QuestionMultiChoice,
		Options: []string{"reading", "running"}}
	enrolledParticipant(t, st, &q)

	err := rt.ProcessResponse(context.Background(), models.Response{From: testPhone, Body: "reading"})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if len(svc.sentMessages()) != 0 {
		t.Errorf("sent %d messages, want silence while accumulating", len(svc.sentMessages()))
	}

	stored, _ := st.GetParticipant(testPhone)
	if len(stored.CurrentAnswer) != 1 || stored.CurrentAnswer[0] != "reading" {
		t.Errorf("currentAnswer = %v, want accumulated [reading]", stored.CurrentAnswer)
	}
}

func TestRouterStartConsumesResponses(t *testing.T) {
	rt, svc, st := testRouter(t)
	q := models.Question{QID: "color", Text: "Favorite color?", Type: models.QuestionSingleChoice,
		Options: []string{"red", "green", "blue"}}
	enrolledParticipant(t, st, &q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	svc.responses <- models.Response{From: testPhone, Body: "red", Time: time.Now().Unix()}

	deadline := time.After(2 * time.Second)
	for {
		stored, _ := st.GetParticipant(testPhone)
		if stored != nil && stored.CurrentState == models.StateAnswerReceived {
			return
		}
		select {
		case <-deadline:
			t.Fatal("router did not process the queued response in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessResponsePerParticipantSerialization(t *testing.T) {
	rt, _, st := testRouter(t)
	q := models.Question{QID: "hobbies", Text: "Hobbies?", Type: models.QuestionMultiChoice,
		Options: []string{"a", "b", "c", "d", "e"}}
	enrolledParticipant(t, st, &q)

	var wg sync.WaitGroup
	options := []string{"a", "b", "c", "d", "e"}
	for _, opt := range options {
		wg.Add(1)
		go func(opt string) {
			defer wg.Done()
			if err := rt.ProcessResponse(context.Background(), models.Response{From: testPhone, Body: opt}); err != nil {
				t.Errorf("ProcessResponse(%q) failed: %v", opt, err)
			}
		}(opt)
	}
	wg.Wait()

	stored, _ := st.GetParticipant(testPhone)
	if len(stored.CurrentAnswer) != len(options) {
		t.Fatalf("accumulated %d answers, want %d", len(stored.CurrentAnswer), len(options))
	}
	seen := make(map[string]bool)
	for _, a := range stored.CurrentAnswer {
		if seen[a] {
			t.Fatalf("answer %q accumulated twice: %v", a, stored.CurrentAnswer)
		}
		seen[a] = true
	}
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(nil)

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"whatsapp:+15551234567", "15551234567", false},
		{"", "", true},
		{"123", "", true},
		{"abc-def", "", true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q", tc.in), func(t *testing.T) {
			got, err := svc.ValidateAndCanonicalizeRecipient(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ValidateAndCanonicalizeRecipient(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateAndCanonicalizeRecipient(%q) failed: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("canonical = %q, want %q", got, tc.want)
			}
		})
	}
}
