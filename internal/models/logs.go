// Log chain record types. One node schema is reused for answers, transcripts
// and debug traces; the payload array is specific to the log kind.
package models

import "encoding/json"

// LogKind selects which per-participant log chain an operation targets.
type LogKind string

const (
	// LogKindAnswers stores validated answer records.
	LogKindAnswers LogKind = "answers"
	// LogKindTranscripts stores raw message transcripts.
	LogKindTranscripts LogKind = "transcripts"
	// LogKindDebug stores structured debug traces.
	LogKindDebug LogKind = "debug"
)

// IsValidLogKind checks whether k names one of the three log chains.
func IsValidLogKind(k LogKind) bool {
	switch k {
	case LogKindAnswers, LogKindTranscripts, LogKindDebug:
		return true
	default:
		return false
	}
}

// LogNode is one storage document of a chunked log chain. For a given
// participant exactly one node has Start=true and exactly one has
// Current=true; the current node's NextLinkID is always empty.
type LogNode struct {
	ExperimentID  string            `json:"experimentId"`
	ParticipantID string            `json:"uniqueId"`
	LinkID        string            `json:"linkId"`
	NextLinkID    string            `json:"nextLinkId,omitempty"`
	Current       bool              `json:"current"`
	Start         bool              `json:"start"`
	Payload       []json.RawMessage `json:"payload"`
}

// AnswerRecord is one payload entry of the answers chain.
type AnswerRecord struct {
	QID             string   `json:"qId"`
	Text            string   `json:"text"`
	AskTimestamp    string   `json:"askTimeStamp,omitempty"`
	AnswerTimestamp string   `json:"answerTimeStamp"`
	StageName       string   `json:"stageName,omitempty"`
	StageDay        int      `json:"stageDay"`
	Answer          []string `json:"answer"`
}

// TranscriptMessage is one payload entry of the transcripts chain.
type TranscriptMessage struct {
	Message   string `json:"message"`
	From      string `json:"from"`
	Timestamp string `json:"timeStamp"`
}

// DebugEvent is one payload entry of the debug chain: a state snapshot taken
// around an interaction.
type DebugEvent struct {
	InfoType   string                 `json:"infoType"`
	From       string                 `json:"from"`
	Timestamp  string                 `json:"timeStamp"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	StageName  string                 `json:"stageName,omitempty"`
	StageDay   int                    `json:"stageDay"`
	Info       []string               `json:"info,omitempty"`
}
