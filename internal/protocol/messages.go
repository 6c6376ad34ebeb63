package protocol

// Events on the per-session WebSocket channel.
const (
	EventConnected      = "connected"
	EventConfig         = "config"
	EventConfigReceived = "config_received"
	EventConfigUpdated  = "config_updated"
	EventTranscription  = "transcription"
	EventError          = "error"
)

// ClientMessage is a JSON control message sent by the client.
type ClientMessage struct {
	Event  string       `json:"event"`
	Config ClientConfig `json:"config"`
}

// ClientConfig carries the session parameters a client may set. Model is
// accepted under both "model_type" and "model".
type ClientConfig struct {
	Language       string   `json:"language,omitempty"`
	ModelType      string   `json:"model_type,omitempty"`
	Model          string   `json:"model,omitempty"`
	TargetLanguage string   `json:"target_language,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
}

// ResolvedModel prefers model_type over model.
func (c ClientConfig) ResolvedModel() string {
	if c.ModelType != "" {
		return c.ModelType
	}
	return c.Model
}

// Connected is sent once after the channel is accepted.
type Connected struct {
	Event    string `json:"event"`
	ClientID string `json:"client_id"`
}

// ConfigReceived acknowledges a config message before it is applied.
type ConfigReceived struct {
	Event  string `json:"event"`
	Status string `json:"status"`
}

// ConfigUpdated reports the outcome of applying a config message.
type ConfigUpdated struct {
	Event   string        `json:"event"`
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Config  *ClientConfig `json:"config,omitempty"`
}

// Transcription carries one recognized utterance with its enrichment.
type Transcription struct {
	Event              string   `json:"event"`
	Text               string   `json:"text"`
	RefinedText        string   `json:"refined_text,omitempty"`
	Translation        string   `json:"translation,omitempty"`
	IsKeywordMatch     bool     `json:"is_keyword_match,omitempty"`
	MatchedKeywords    []string `json:"matched_keywords,omitempty"`
	MatchReason        string   `json:"match_reason,omitempty"`
	IsContinuation     bool     `json:"is_continuation,omitempty"`
	ContinuationReason string   `json:"continuation_reason,omitempty"`
	ContextEnhanced    bool     `json:"context_enhanced,omitempty"`
	Timestamp          float64  `json:"timestamp"`
	SourceLanguage     string   `json:"source_language,omitempty"`
	TargetLanguage     string   `json:"target_language,omitempty"`
}

// ErrorEvent reports a non-fatal per-session error to the client.
type ErrorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// TranscriptionItem is one entry of a summary request.
type TranscriptionItem struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// SummaryRequest is the POST /summary payload.
type SummaryRequest struct {
	Transcriptions []TranscriptionItem `json:"transcriptions"`
}

// SummaryResponse is the computed session summary.
type SummaryResponse struct {
	Scene     string   `json:"scene"`
	Topic     string   `json:"topic"`
	KeyPoints []string `json:"keyPoints"`
	Summary   string   `json:"summary"`
}

// ContextStatus is the POST /summary/context response.
type ContextStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Mirror bus subjects. Session id is appended as the last token.
const (
	SubjectTranscriptEnrichedPrefix = "transcript.enriched"
	SubjectSessionClosedPrefix      = "session.closed"
)
