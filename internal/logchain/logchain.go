// Package logchain maintains per-participant append-only log chains.
//
// Each participant has one chain per log kind (answers, transcripts, debug
// events). A chain is a linked list of nodes: every node carries an ordered
// payload chunk and the link ID of its successor. Exactly one node is marked
// as the start of the chain and exactly one as current; appends always go to
// the current node, and when a chunk grows past the configured size the chain
// rotates onto a fresh node. Full history is reconstructed by walking the
// links from the start node.
package logchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/store"
	"github.com/StudyPipe/StudyPipe/internal/util"
)

// DefaultMaxChunkSize is the number of records a node holds before appends
// rotate the chain onto a fresh node.
const DefaultMaxChunkSize = 500

// Error variables for chain operations.
var (
	ErrChainExists = errors.New("log chain already initialized")
	ErrBrokenChain = errors.New("log chain link points to a missing node")
)

// Chain provides the chain operations over a storage backend.
type Chain struct {
	store        store.Store
	maxChunkSize int
}

// Opts holds configuration for the chain.
type Opts struct {
	MaxChunkSize int
}

// Option configures the chain.
type Option func(*Opts)

// WithMaxChunkSize overrides the rotation threshold.
func WithMaxChunkSize(n int) Option {
	return func(o *Opts) {
		o.MaxChunkSize = n
	}
}

// NewChain creates a chain manager over st.
func NewChain(st store.Store, opts ...Option) *Chain {
	cfg := Opts{MaxChunkSize: DefaultMaxChunkSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	return &Chain{store: st, maxChunkSize: cfg.MaxChunkSize}
}

// Create initializes a participant's chain of the given kind with a single
// node that is both start and current. Creating an already-initialized chain
// is an error and leaves the existing chain untouched.
func (c *Chain) Create(kind models.LogKind, experimentID, participantID string) error {
	existing, err := c.store.GetCurrentLogNode(kind, participantID)
	if err != nil {
		return fmt.Errorf("failed to check for existing %s chain: %w", kind, err)
	}
	if existing != nil {
		return fmt.Errorf("%w: %s chain for %s", ErrChainExists, kind, participantID)
	}
	node := models.LogNode{
		ExperimentID:  experimentID,
		ParticipantID: participantID,
		LinkID:        util.GenerateLinkID(participantID),
		Current:       true,
		Start:         true,
		Payload:       []json.RawMessage{},
	}
	if err := c.store.CreateLogNode(kind, node); err != nil {
		return fmt.Errorf("failed to create %s chain for %s: %w", kind, participantID, err)
	}
	slog.Debug("logchain.Create: chain initialized", "kind", kind, "participantID", participantID, "linkID", node.LinkID)
	return nil
}

// Ensure initializes the chain if it does not exist yet.
func (c *Chain) Ensure(kind models.LogKind, experimentID, participantID string) error {
	err := c.Create(kind, experimentID, participantID)
	if errors.Is(err, ErrChainExists) {
		return nil
	}
	return err
}

// Append adds records to the end of the chain in order. When the current
// chunk has reached the rotation threshold the chain rotates first, so the
// records land on a fresh node.
func (c *Chain) Append(kind models.LogKind, participantID string, records ...json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	current, err := c.store.GetCurrentLogNode(kind, participantID)
	if err != nil {
		return fmt.Errorf("failed to read current %s node for %s: %w", kind, participantID, err)
	}
	if current == nil {
		return fmt.Errorf("%w: %s chain for %s", store.ErrNoCurrentNode, kind, participantID)
	}
	if len(current.Payload) >= c.maxChunkSize {
		if err := c.Rotate(kind, participantID); err != nil {
			return err
		}
	}
	if err := c.store.AppendLogPayload(kind, participantID, records); err != nil {
		return fmt.Errorf("failed to append to %s chain for %s: %w", kind, participantID, err)
	}
	return nil
}

// Rotate atomically adds a fresh empty node to the end of the chain and makes
// it current. Either both sides of the flip apply or neither does.
func (c *Chain) Rotate(kind models.LogKind, participantID string) error {
	newLinkID := util.GenerateLinkID(participantID)
	if err := c.store.RotateLogNode(kind, participantID, newLinkID); err != nil {
		return fmt.Errorf("failed to rotate %s chain for %s: %w", kind, participantID, err)
	}
	slog.Debug("logchain.Rotate: chain rotated", "kind", kind, "participantID", participantID, "newLinkID", newLinkID)
	return nil
}

// Reconstruct returns the participant's full history in append order by
// walking the links from the start node. A participant without a chain
// yields an empty history.
func (c *Chain) Reconstruct(kind models.LogKind, participantID string) ([]json.RawMessage, error) {
	nodes, err := c.store.GetLogNodes(kind, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s chain for %s: %w", kind, participantID, err)
	}
	byLink := make(map[string]models.LogNode, len(nodes))
	var start *models.LogNode
	for i := range nodes {
		byLink[nodes[i].LinkID] = nodes[i]
		if nodes[i].Start {
			start = &nodes[i]
		}
	}
	if start == nil {
		return []json.RawMessage{}, nil
	}
	history := []json.RawMessage{}
	node := *start
	for {
		history = append(history, node.Payload...)
		if node.NextLinkID == "" {
			break
		}
		next, ok := byLink[node.NextLinkID]
		if !ok {
			return nil, fmt.Errorf("%w: %s chain for %s, link %s", ErrBrokenChain, kind, participantID, node.NextLinkID)
		}
		node = next
	}
	return history, nil
}

// AppendAnswer records one completed answer on the answers chain.
func (c *Chain) AppendAnswer(participantID string, record models.AnswerRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode answer record: %w", err)
	}
	return c.Append(models.LogKindAnswers, participantID, data)
}

// AppendTranscript records one message on the transcripts chain.
func (c *Chain) AppendTranscript(participantID string, msg models.TranscriptMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode transcript message: %w", err)
	}
	return c.Append(models.LogKindTranscripts, participantID, data)
}

// AppendDebug records one diagnostic event on the debug chain.
func (c *Chain) AppendDebug(participantID string, event models.DebugEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode debug event: %w", err)
	}
	return c.Append(models.LogKindDebug, participantID, data)
}

// ReconstructAnswers returns the typed answer history in append order.
func (c *Chain) ReconstructAnswers(participantID string) ([]models.AnswerRecord, error) {
	raw, err := c.Reconstruct(models.LogKindAnswers, participantID)
	if err != nil {
		return nil, err
	}
	out := make([]models.AnswerRecord, 0, len(raw))
	for _, msg := range raw {
		var rec models.AnswerRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode answer record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReconstructTranscripts returns the typed transcript history in append order.
func (c *Chain) ReconstructTranscripts(participantID string) ([]models.TranscriptMessage, error) {
	raw, err := c.Reconstruct(models.LogKindTranscripts, participantID)
	if err != nil {
		return nil, err
	}
	out := make([]models.TranscriptMessage, 0, len(raw))
	for _, msg := range raw {
		var m models.TranscriptMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, fmt.Errorf("failed to decode transcript message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
