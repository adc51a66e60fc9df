package store

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
)

// InMemoryStore keeps everything in process memory. It is used in tests and
// for throwaway local runs.
type InMemoryStore struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
	logNodes     map[models.LogKind]map[string]models.LogNode // kind -> linkID -> node
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		participants: make(map[string]models.Participant),
		logNodes:     make(map[models.LogKind]map[string]models.LogNode),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// SaveParticipant inserts or updates a full participant record.
func (s *InMemoryStore) SaveParticipant(p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.UniqueID] = copyParticipant(p)
	return nil
}

// GetParticipant retrieves a participant by unique id, or (nil, nil) when the
// participant does not exist.
func (s *InMemoryStore) GetParticipant(uniqueID string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[uniqueID]
	if !ok {
		return nil, nil
	}
	c := copyParticipant(p)
	return &c, nil
}

// ListParticipants retrieves every participant record, ordered by unique id.
func (s *InMemoryStore) ListParticipants() ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, copyParticipant(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out, nil
}

// DeleteParticipant removes a participant record.
func (s *InMemoryStore) DeleteParticipant(uniqueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, uniqueID)
	return nil
}

// UpdateState updates the conversation state field.
func (s *InMemoryStore) UpdateState(uniqueID string, state models.State) error {
	return s.mutate(uniqueID, func(p *models.Participant) {
		p.CurrentState = state
	})
}

// UpdateLastInvalidAnswer records the most recent rejected input.
func (s *InMemoryStore) UpdateLastInvalidAnswer(uniqueID string, raw string) error {
	return s.mutate(uniqueID, func(p *models.Participant) {
		p.LastInvalidAnswer = raw
	})
}

// UpdateCurrentQuestion replaces the posed question (nil clears it).
func (s *InMemoryStore) UpdateCurrentQuestion(uniqueID string, q *models.Question) error {
	return s.mutate(uniqueID, func(p *models.Participant) {
		if q == nil {
			p.CurrentQuestion = nil
			return
		}
		c := *q
		p.CurrentQuestion = &c
	})
}

// UpdateCurrentAnswer replaces the accumulated answer list.
func (s *InMemoryStore) UpdateCurrentAnswer(uniqueID string, answer []string) error {
	return s.mutate(uniqueID, func(p *models.Participant) {
		p.CurrentAnswer = append([]string{}, answer...)
	})
}

// AppendCurrentAnswer appends one element to the accumulated answer list.
func (s *InMemoryStore) AppendCurrentAnswer(uniqueID string, text string) error {
	return s.mutate(uniqueID, func(p *models.Participant) {
		p.CurrentAnswer = append(p.CurrentAnswer, text)
	})
}

// UpdateParameters overwrites the given parameter values; all values apply
// together.
func (s *InMemoryStore) UpdateParameters(uniqueID string, values params.Values) error {
	return s.mutate(uniqueID, func(p *models.Participant) {
		if p.Parameters == nil {
			p.Parameters = make(params.Values)
		}
		for name, v := range values {
			p.Parameters[name] = v
		}
	})
}

// UpdateStage updates both stage fields.
func (s *InMemoryStore) UpdateStage(uniqueID string, stageName string, stageDay int) error {
	return s.mutate(uniqueID, func(p *models.Participant) {
		p.Stages.StageName = stageName
		p.Stages.StageDay = stageDay
	})
}

// AppendStageActivity appends one audit entry to the stage activity list.
func (s *InMemoryStore) AppendStageActivity(uniqueID string, activity models.StageActivity) error {
	return s.mutate(uniqueID, func(p *models.Participant) {
		p.Stages.Activity = append(p.Stages.Activity, activity)
	})
}

// CreateLogNode inserts a log chain node.
func (s *InMemoryStore) CreateLogNode(kind models.LogKind, node models.LogNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logNodes[kind] == nil {
		s.logNodes[kind] = make(map[string]models.LogNode)
	}
	s.logNodes[kind][node.LinkID] = copyLogNode(node)
	return nil
}

// GetLogNodes retrieves every node of one participant's chain.
func (s *InMemoryStore) GetLogNodes(kind models.LogKind, participantID string) ([]models.LogNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var nodes []models.LogNode
	for _, node := range s.logNodes[kind] {
		if node.ParticipantID == participantID {
			nodes = append(nodes, copyLogNode(node))
		}
	}
	return nodes, nil
}

// GetCurrentLogNode retrieves the node accepting appends, or (nil, nil) when
// the chain does not exist.
func (s *InMemoryStore) GetCurrentLogNode(kind models.LogKind, participantID string) (*models.LogNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.logNodes[kind] {
		if node.ParticipantID == participantID && node.Current {
			c := copyLogNode(node)
			return &c, nil
		}
	}
	return nil, nil
}

// AppendLogPayload appends records to the current node.
func (s *InMemoryStore) AppendLogPayload(kind models.LogKind, participantID string, records []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for linkID, node := range s.logNodes[kind] {
		if node.ParticipantID == participantID && node.Current {
			node.Payload = append(node.Payload, records...)
			s.logNodes[kind][linkID] = node
			return nil
		}
	}
	return ErrNoCurrentNode
}

// RotateLogNode inserts a fresh current node and flips the previous current
// node in one step.
func (s *InMemoryStore) RotateLogNode(kind models.LogKind, participantID, newLinkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for linkID, node := range s.logNodes[kind] {
		if node.ParticipantID == participantID && node.Current {
			fresh := models.LogNode{
				ExperimentID:  node.ExperimentID,
				ParticipantID: participantID,
				LinkID:        newLinkID,
				Current:       true,
				Payload:       []json.RawMessage{},
			}
			node.Current = false
			node.NextLinkID = newLinkID
			s.logNodes[kind][linkID] = node
			s.logNodes[kind][newLinkID] = fresh
			return nil
		}
	}
	return ErrNoCurrentNode
}

func (s *InMemoryStore) mutate(uniqueID string, fn func(*models.Participant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[uniqueID]
	if !ok {
		return models.ErrParticipantNotFound
	}
	fn(&p)
	s.participants[uniqueID] = p
	return nil
}

func copyParticipant(p models.Participant) models.Participant {
	c := p
	c.Parameters = p.Parameters.Clone()
	if p.ParameterTypes != nil {
		c.ParameterTypes = make(params.Schema, len(p.ParameterTypes))
		for name, t := range p.ParameterTypes {
			c.ParameterTypes[name] = t
		}
	}
	if p.CurrentQuestion != nil {
		q := *p.CurrentQuestion
		c.CurrentQuestion = &q
	}
	c.CurrentAnswer = append([]string{}, p.CurrentAnswer...)
	c.Stages.Activity = append([]models.StageActivity{}, p.Stages.Activity...)
	return c
}

func copyLogNode(node models.LogNode) models.LogNode {
	c := node
	c.Payload = append([]json.RawMessage{}, node.Payload...)
	return c
}
