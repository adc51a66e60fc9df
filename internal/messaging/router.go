package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/StudyPipe/StudyPipe/internal/action"
	"github.com/StudyPipe/StudyPipe/internal/conversation"
	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/store"
)

// Router consumes inbound responses from a messaging service and drives the
// conversation engine. Processing is serialized per participant; responses
// from different participants run concurrently.
type Router struct {
	store      store.Store
	engine     *conversation.Engine
	actions    *action.Interpreter
	msgService Service

	// locks serializes processing per canonical participant id.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	defaultMessage string
}

// NewRouter creates a Router over the given collaborators.
func NewRouter(st store.Store, engine *conversation.Engine, actions *action.Interpreter, msgService Service) *Router {
	return &Router{
		store:          st,
		engine:         engine,
		actions:        actions,
		msgService:     msgService,
		locks:          make(map[string]*sync.Mutex),
		defaultMessage: "Your message has been recorded. Thank you!",
	}
}

// SetDefaultMessage sets the reply sent to senders who are not enrolled.
func (rt *Router) SetDefaultMessage(message string) {
	rt.defaultMessage = message
}

// Start begins consuming the service's Responses channel until the context is
// cancelled or the channel closes.
func (rt *Router) Start(ctx context.Context) {
	slog.Info("Router starting response processing")

	go func() {
		defer slog.Info("Router stopped response processing")

		for {
			select {
			case response, ok := <-rt.msgService.Responses():
				if !ok {
					slog.Debug("Router responses channel closed")
					return
				}
				go func(response models.Response) {
					if err := rt.ProcessResponse(ctx, response); err != nil {
						slog.Error("Router failed to process response", "error", err, "from", response.From)
					}
				}(response)

			case <-ctx.Done():
				slog.Debug("Router stopping due to context cancellation")
				return
			}
		}
	}()
}

// ProcessResponse runs one inbound response through the conversation engine.
// The canonical sender phone number doubles as the participant unique id.
func (rt *Router) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rt.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	return rt.WithParticipantLock(canonicalFrom, func() error {
		return rt.processLocked(ctx, canonicalFrom, response)
	})
}

// WithParticipantLock runs fn while holding the participant's serialization
// lock. External triggers touching conversation state (scheduled prompts,
// answer deadlines) must run through this so they cannot interleave with
// inbound message processing for the same participant.
func (rt *Router) WithParticipantLock(id string, fn func() error) error {
	lock := rt.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (rt *Router) processLocked(ctx context.Context, canonicalFrom string, response models.Response) error {
	p, err := rt.store.GetParticipant(canonicalFrom)
	if err != nil {
		return fmt.Errorf("failed to load participant %s: %w", canonicalFrom, err)
	}
	if p == nil {
		slog.Debug("Router sender not enrolled, sending default response", "from", canonicalFrom)
		return rt.msgService.SendMessage(ctx, canonicalFrom, rt.defaultMessage)
	}

	if err := rt.engine.RecordTranscript(p, canonicalFrom, response.Body); err != nil {
		slog.Error("Router failed to record inbound transcript", "error", err, "participantID", p.UniqueID)
	}

	res, err := rt.engine.ProcessAnswer(p, response.Body)
	if err != nil {
		return fmt.Errorf("answer processing failed for %s: %w", p.UniqueID, err)
	}

	switch res.Sentinel() {
	case models.SignalRepeatQuestion:
		return rt.repeatQuestion(ctx, p)
	case models.SignalNoResponse:
		return nil
	}
	if res.Succeeded() && res.Data == models.SignalNextAction {
		return rt.RunNextActions(p)
	}
	return nil
}

// repeatQuestion re-delivers the current question after an invalid answer.
func (rt *Router) repeatQuestion(ctx context.Context, p *models.Participant) error {
	res, err := rt.engine.RepeatQuestion(p)
	if err != nil {
		return err
	}
	text, _ := res.Data.(string)
	if err := rt.msgService.SendMessage(ctx, p.UniqueID, text); err != nil {
		return fmt.Errorf("failed to re-send question to %s: %w", p.UniqueID, err)
	}
	if err := rt.engine.RecordTranscript(p, "bot", text); err != nil {
		slog.Error("Router failed to record outbound transcript", "error", err, "participantID", p.UniqueID)
	}
	return rt.engine.MarkAwaiting(p)
}

// RunNextActions fires the accepted question's follow-up actions in order.
// A failing action aborts the remainder.
func (rt *Router) RunNextActions(p *models.Participant) error {
	q := p.CurrentQuestion
	if q == nil {
		return nil
	}
	for _, a := range q.NextActions {
		if _, err := rt.actions.Process(p, a); err != nil {
			return fmt.Errorf("action %s failed for %s: %w", a.Type, p.UniqueID, err)
		}
	}
	return nil
}

func (rt *Router) lockFor(id string) *sync.Mutex {
	rt.locksMu.Lock()
	defer rt.locksMu.Unlock()
	lock, ok := rt.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		rt.locks[id] = lock
	}
	return lock
}
