// Package store provides storage backends for StudyPipe.
//
// This file implements the PostgreSQL-backed store for participants and log
// chain nodes.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/params"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

// SaveParticipant inserts or updates a full participant record.
func (s *PostgresStore) SaveParticipant(p models.Participant) error {
	row, err := encodeParticipant(p)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant encode failed", "error", err, "participantID", p.UniqueID)
		return err
	}
	query := `
		INSERT INTO participants (unique_id, experiment_id, condition_idx, condition_name,
			parameters, parameter_types, current_question, current_answer, last_invalid_answer,
			current_state, stage_name, stage_day, stage_activity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (unique_id)
		DO UPDATE SET
			experiment_id = EXCLUDED.experiment_id,
			condition_idx = EXCLUDED.condition_idx,
			condition_name = EXCLUDED.condition_name,
			parameters = EXCLUDED.parameters,
			parameter_types = EXCLUDED.parameter_types,
			current_question = EXCLUDED.current_question,
			current_answer = EXCLUDED.current_answer,
			last_invalid_answer = EXCLUDED.last_invalid_answer,
			current_state = EXCLUDED.current_state,
			stage_name = EXCLUDED.stage_name,
			stage_day = EXCLUDED.stage_day,
			stage_activity = EXCLUDED.stage_activity,
			updated_at = EXCLUDED.updated_at`
	_, err = s.db.Exec(query, p.UniqueID, p.ExperimentID, p.ConditionIdx, p.ConditionName,
		row.parameters, row.parameterTypes, nilIfEmpty(row.currentQuestion), row.currentAnswer,
		p.LastInvalidAnswer, string(p.CurrentState), p.Stages.StageName, p.Stages.StageDay,
		row.stageActivity, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant failed", "error", err, "participantID", p.UniqueID)
		return fmt.Errorf("failed to save participant %s: %w", p.UniqueID, err)
	}
	slog.Debug("PostgresStore SaveParticipant succeeded", "participantID", p.UniqueID)
	return nil
}

// GetParticipant retrieves a participant by unique id. A missing participant
// returns (nil, nil).
func (s *PostgresStore) GetParticipant(uniqueID string) (*models.Participant, error) {
	query := `SELECT unique_id, experiment_id, condition_idx, condition_name, parameters,
			parameter_types, current_question, current_answer, last_invalid_answer,
			current_state, stage_name, stage_day, stage_activity, created_at, updated_at
		FROM participants WHERE unique_id = $1`

	var p models.Participant
	var row participantRow
	var state string
	var currentQuestion sql.NullString
	err := s.db.QueryRow(query, uniqueID).Scan(
		&p.UniqueID, &p.ExperimentID, &p.ConditionIdx, &p.ConditionName, &row.parameters,
		&row.parameterTypes, &currentQuestion, &row.currentAnswer, &p.LastInvalidAnswer, &state,
		&p.Stages.StageName, &p.Stages.StageDay, &row.stageActivity, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetParticipant not found", "participantID", uniqueID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetParticipant failed", "error", err, "participantID", uniqueID)
		return nil, fmt.Errorf("failed to get participant %s: %w", uniqueID, err)
	}
	row.currentQuestion = []byte(currentQuestion.String)
	p.CurrentState = models.State(state)
	if err := decodeParticipant(&p, row); err != nil {
		slog.Error("PostgresStore GetParticipant decode failed", "error", err, "participantID", uniqueID)
		return nil, err
	}
	return &p, nil
}

// ListParticipants retrieves every participant record, ordered by unique id.
func (s *PostgresStore) ListParticipants() ([]models.Participant, error) {
	query := `SELECT unique_id, experiment_id, condition_idx, condition_name, parameters,
			parameter_types, current_question, current_answer, last_invalid_answer,
			current_state, stage_name, stage_day, stage_activity, created_at, updated_at
		FROM participants ORDER BY unique_id`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore ListParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		var row participantRow
		var state string
		var currentQuestion sql.NullString
		err := rows.Scan(&p.UniqueID, &p.ExperimentID, &p.ConditionIdx, &p.ConditionName, &row.parameters,
			&row.parameterTypes, &currentQuestion, &row.currentAnswer, &p.LastInvalidAnswer, &state,
			&p.Stages.StageName, &p.Stages.StageDay, &row.stageActivity, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		row.currentQuestion = []byte(currentQuestion.String)
		p.CurrentState = models.State(state)
		if err := decodeParticipant(&p, row); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return out, nil
}

// DeleteParticipant removes a participant record.
func (s *PostgresStore) DeleteParticipant(uniqueID string) error {
	_, err := s.db.Exec(`DELETE FROM participants WHERE unique_id = $1`, uniqueID)
	if err != nil {
		slog.Error("PostgresStore DeleteParticipant failed", "error", err, "participantID", uniqueID)
		return fmt.Errorf("failed to delete participant %s: %w", uniqueID, err)
	}
	return nil
}

// UpdateState atomically updates the conversation state field.
func (s *PostgresStore) UpdateState(uniqueID string, state models.State) error {
	return s.updateField(uniqueID, "current_state", string(state))
}

// UpdateLastInvalidAnswer records the most recent rejected input.
func (s *PostgresStore) UpdateLastInvalidAnswer(uniqueID string, raw string) error {
	return s.updateField(uniqueID, "last_invalid_answer", raw)
}

// UpdateCurrentQuestion atomically replaces the posed question (nil clears it).
func (s *PostgresStore) UpdateCurrentQuestion(uniqueID string, q *models.Question) error {
	if q == nil {
		return s.updateField(uniqueID, "current_question", nil)
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode current question: %w", err)
	}
	return s.updateField(uniqueID, "current_question", data)
}

// UpdateCurrentAnswer atomically replaces the accumulated answer list.
func (s *PostgresStore) UpdateCurrentAnswer(uniqueID string, answer []string) error {
	if answer == nil {
		answer = []string{}
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to encode current answer: %w", err)
	}
	return s.updateField(uniqueID, "current_answer", data)
}

// AppendCurrentAnswer appends one element to the accumulated answer list in
// a single transaction.
func (s *PostgresStore) AppendCurrentAnswer(uniqueID string, text string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRow(`SELECT current_answer FROM participants WHERE unique_id = $1 FOR UPDATE`, uniqueID).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.ErrParticipantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read current answer for %s: %w", uniqueID, err)
	}
	var answer []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &answer); err != nil {
			return fmt.Errorf("failed to decode current answer: %w", err)
		}
	}
	answer = append(answer, text)
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to encode current answer: %w", err)
	}
	if _, err := tx.Exec(`UPDATE participants SET current_answer = $1 WHERE unique_id = $2`, data, uniqueID); err != nil {
		return fmt.Errorf("failed to append current answer for %s: %w", uniqueID, err)
	}
	return tx.Commit()
}

// UpdateParameters overwrites the given parameter values in one transaction;
// either every value applies or none does.
func (s *PostgresStore) UpdateParameters(uniqueID string, values params.Values) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rawParams, rawTypes []byte
	err = tx.QueryRow(`SELECT parameters, parameter_types FROM participants WHERE unique_id = $1 FOR UPDATE`, uniqueID).
		Scan(&rawParams, &rawTypes)
	if err == sql.ErrNoRows {
		return models.ErrParticipantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read parameters for %s: %w", uniqueID, err)
	}
	schema := make(params.Schema)
	if len(rawTypes) > 0 {
		if err := json.Unmarshal(rawTypes, &schema); err != nil {
			return fmt.Errorf("failed to decode parameter types: %w", err)
		}
	}
	current, err := params.DecodeValues(rawParams, schema)
	if err != nil {
		return fmt.Errorf("failed to decode parameters for %s: %w", uniqueID, err)
	}
	for name, v := range values {
		current[name] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if _, err := tx.Exec(`UPDATE participants SET parameters = $1 WHERE unique_id = $2`, data, uniqueID); err != nil {
		return fmt.Errorf("failed to update parameters for %s: %w", uniqueID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit parameter update for %s: %w", uniqueID, err)
	}
	slog.Debug("PostgresStore UpdateParameters succeeded", "participantID", uniqueID, "count", len(values))
	return nil
}

// UpdateStage atomically updates both stage fields.
func (s *PostgresStore) UpdateStage(uniqueID string, stageName string, stageDay int) error {
	res, err := s.db.Exec(`UPDATE participants SET stage_name = $1, stage_day = $2 WHERE unique_id = $3`,
		stageName, stageDay, uniqueID)
	if err != nil {
		slog.Error("PostgresStore UpdateStage failed", "error", err, "participantID", uniqueID)
		return fmt.Errorf("failed to update stage for %s: %w", uniqueID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrParticipantNotFound
	}
	return nil
}

// AppendStageActivity appends one audit entry to the stage activity list.
func (s *PostgresStore) AppendStageActivity(uniqueID string, activity models.StageActivity) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRow(`SELECT stage_activity FROM participants WHERE unique_id = $1 FOR UPDATE`, uniqueID).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.ErrParticipantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read stage activity for %s: %w", uniqueID, err)
	}
	var entries []models.StageActivity
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("failed to decode stage activity: %w", err)
		}
	}
	entries = append(entries, activity)
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode stage activity: %w", err)
	}
	if _, err := tx.Exec(`UPDATE participants SET stage_activity = $1 WHERE unique_id = $2`, data, uniqueID); err != nil {
		return fmt.Errorf("failed to append stage activity for %s: %w", uniqueID, err)
	}
	return tx.Commit()
}

// CreateLogNode inserts a log chain node.
func (s *PostgresStore) CreateLogNode(kind models.LogKind, node models.LogNode) error {
	payload, err := json.Marshal(emptyIfNil(node.Payload))
	if err != nil {
		return fmt.Errorf("failed to encode log payload: %w", err)
	}
	query := `INSERT INTO log_nodes (kind, experiment_id, participant_id, link_id, next_link_id, is_current, is_start, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.Exec(query, string(kind), node.ExperimentID, node.ParticipantID, node.LinkID,
		node.NextLinkID, node.Current, node.Start, payload)
	if err != nil {
		slog.Error("PostgresStore CreateLogNode failed", "error", err, "kind", kind, "participantID", node.ParticipantID)
		return fmt.Errorf("failed to create %s log node for %s: %w", kind, node.ParticipantID, err)
	}
	return nil
}

// GetLogNodes retrieves every node of one participant's chain.
func (s *PostgresStore) GetLogNodes(kind models.LogKind, participantID string) ([]models.LogNode, error) {
	query := `SELECT experiment_id, participant_id, link_id, next_link_id, is_current, is_start, payload
		FROM log_nodes WHERE kind = $1 AND participant_id = $2`
	rows, err := s.db.Query(query, string(kind), participantID)
	if err != nil {
		slog.Error("PostgresStore GetLogNodes query failed", "error", err, "kind", kind, "participantID", participantID)
		return nil, fmt.Errorf("failed to query %s log nodes for %s: %w", kind, participantID, err)
	}
	defer rows.Close()

	var nodes []models.LogNode
	for rows.Next() {
		node, err := scanLogNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s log nodes: %w", kind, err)
	}
	return nodes, nil
}

// GetCurrentLogNode retrieves the node accepting appends, or (nil, nil) when
// the chain does not exist.
func (s *PostgresStore) GetCurrentLogNode(kind models.LogKind, participantID string) (*models.LogNode, error) {
	query := `SELECT experiment_id, participant_id, link_id, next_link_id, is_current, is_start, payload
		FROM log_nodes WHERE kind = $1 AND participant_id = $2 AND is_current = TRUE`
	row := s.db.QueryRow(query, string(kind), participantID)
	node, err := scanLogNodeRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCurrentLogNode failed", "error", err, "kind", kind, "participantID", participantID)
		return nil, fmt.Errorf("failed to get current %s log node for %s: %w", kind, participantID, err)
	}
	return &node, nil
}

// AppendLogPayload appends records to the current node in one transaction.
func (s *PostgresStore) AppendLogPayload(kind models.LogKind, participantID string, records []json.RawMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var linkID string
	var payload []byte
	err = tx.QueryRow(`SELECT link_id, payload FROM log_nodes WHERE kind = $1 AND participant_id = $2 AND is_current = TRUE FOR UPDATE`,
		string(kind), participantID).Scan(&linkID, &payload)
	if err == sql.ErrNoRows {
		return ErrNoCurrentNode
	}
	if err != nil {
		return fmt.Errorf("failed to read current %s log node for %s: %w", kind, participantID, err)
	}
	updated, err := appendPayload(payload, records)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE log_nodes SET payload = $1 WHERE kind = $2 AND link_id = $3`,
		updated, string(kind), linkID); err != nil {
		return fmt.Errorf("failed to append %s log payload for %s: %w", kind, participantID, err)
	}
	return tx.Commit()
}

// RotateLogNode inserts a fresh current node and flips the previous current
// node in a single transaction.
func (s *PostgresStore) RotateLogNode(kind models.LogKind, participantID, newLinkID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldLinkID, experimentID string
	err = tx.QueryRow(`SELECT link_id, experiment_id FROM log_nodes WHERE kind = $1 AND participant_id = $2 AND is_current = TRUE FOR UPDATE`,
		string(kind), participantID).Scan(&oldLinkID, &experimentID)
	if err == sql.ErrNoRows {
		return ErrNoCurrentNode
	}
	if err != nil {
		return fmt.Errorf("failed to read current %s log node for %s: %w", kind, participantID, err)
	}
	if _, err := tx.Exec(`INSERT INTO log_nodes (kind, experiment_id, participant_id, link_id, next_link_id, is_current, is_start, payload)
		VALUES ($1, $2, $3, $4, '', TRUE, FALSE, '[]')`,
		string(kind), experimentID, participantID, newLinkID); err != nil {
		return fmt.Errorf("failed to insert new %s log node for %s: %w", kind, participantID, err)
	}
	if _, err := tx.Exec(`UPDATE log_nodes SET is_current = FALSE, next_link_id = $1 WHERE kind = $2 AND link_id = $3`,
		newLinkID, string(kind), oldLinkID); err != nil {
		return fmt.Errorf("failed to flip previous %s log node for %s: %w", kind, participantID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s log rotation for %s: %w", kind, participantID, err)
	}
	slog.Debug("PostgresStore RotateLogNode succeeded", "kind", kind, "participantID", participantID, "newLinkID", newLinkID)
	return nil
}

// updateField updates a single participant column.
func (s *PostgresStore) updateField(uniqueID, column string, value interface{}) error {
	res, err := s.db.Exec(`UPDATE participants SET `+column+` = $1 WHERE unique_id = $2`, value, uniqueID)
	if err != nil {
		slog.Error("PostgresStore updateField failed", "error", err, "participantID", uniqueID, "column", column)
		return fmt.Errorf("failed to update %s for %s: %w", column, uniqueID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrParticipantNotFound
	}
	return nil
}
