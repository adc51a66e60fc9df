// Package store provides storage backends for StudyPipe.
//
// It persists participant records and the chunked log chain nodes used for
// answers, transcripts and debug traces. Backends exist for SQLite,
// PostgreSQL and in-memory (tests). Callers are expected to serialize
// operations per participant id; different participants may be written in
// parallel.
package store

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
)

// Error variables shared by all backends.
var (
	// ErrNoCurrentNode is returned when a log chain operation targets a
	// participant whose chain has not been created yet.
	ErrNoCurrentNode = errors.New("no current log node for participant")
)

// Store is the storage collaborator consumed by the core. It exposes
// find-by-key and atomic field updates on participants, plus the low-level
// log chain primitives. RotateLogNode is the one multi-document operation
// and must be all-or-nothing: a reader must never observe zero or two
// current nodes for the same participant.
type Store interface {
	// Participant record operations.
	SaveParticipant(p models.Participant) error
	GetParticipant(uniqueID string) (*models.Participant, error)
	ListParticipants() ([]models.Participant, error)
	DeleteParticipant(uniqueID string) error
	UpdateState(uniqueID string, state models.State) error
	UpdateCurrentQuestion(uniqueID string, q *models.Question) error
	UpdateCurrentAnswer(uniqueID string, answer []string) error
	AppendCurrentAnswer(uniqueID string, text string) error
	UpdateLastInvalidAnswer(uniqueID string, raw string) error
	// UpdateParameters overwrites the given parameter values in one atomic
	// write; either every value applies or none does.
	UpdateParameters(uniqueID string, values params.Values) error
	UpdateStage(uniqueID string, stageName string, stageDay int) error
	AppendStageActivity(uniqueID string, activity models.StageActivity) error

	// Log chain primitives, parameterized by log kind.
	CreateLogNode(kind models.LogKind, node models.LogNode) error
	GetLogNodes(kind models.LogKind, participantID string) ([]models.LogNode, error)
	GetCurrentLogNode(kind models.LogKind, participantID string) (*models.LogNode, error)
	AppendLogPayload(kind models.LogKind, participantID string, records []json.RawMessage) error
	// RotateLogNode inserts a fresh current node and flips the previous
	// current node in a single atomic batch.
	RotateLogNode(kind models.LogKind, participantID, newLinkID string) error

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" so callers can
// pick a backend without a separate driver flag.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
