package live

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// ── Outgoing wire types (BidiGenerateContent) ─────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	SessionResumption *sessionResumption `json:"sessionResumption,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

// sessionResumption enables resumption updates for the session. A non-empty
// Handle asks the service to continue a prior conversation's context.
type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Incoming wire types ───────────────────────────────────────────────────────

type serverMessage struct {
	SetupComplete     *json.RawMessage   `json:"setupComplete,omitempty"`
	ServerContent     *serverContent     `json:"serverContent,omitempty"`
	ResumptionUpdate  *resumptionUpdate  `json:"sessionResumptionUpdate,omitempty"`
	GoAway            *goAway            `json:"goAway,omitempty"`
	UsageMetadata     *usageMetadata     `json:"usageMetadata,omitempty"`
	ToolCall          *toolCallMsg       `json:"toolCall,omitempty"`
	Error             *serviceError      `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type resumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

type goAway struct {
	// TimeLeft is a protobuf duration string, e.g. "10s".
	TimeLeft string `json:"timeLeft,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount   int64 `json:"promptTokenCount,omitempty"`
	ResponseTokenCount int64 `json:"responseTokenCount,omitempty"`
	TotalTokenCount    int64 `json:"totalTokenCount,omitempty"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type serviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ── Decoded event union ───────────────────────────────────────────────────────

// Usage is the unit-consumption delta reported by the service. Counts are
// cumulative-safe: the manager forwards each delta unchanged and the usage
// recorder owns accumulation.
type Usage struct {
	InputUnits  int64
	OutputUnits int64
	TotalUnits  int64
}

// Event is the closed set of inbound session events. Every message kind the
// service can deliver maps to exactly one Event implementation; the
// manager's dispatch switch is exhaustive over these so a new kind cannot
// silently fall through.
type Event interface {
	eventKind() string
}

// EventResumption carries a fresh resumption handle.
type EventResumption struct {
	Handle    string
	Resumable bool
}

func (EventResumption) eventKind() string { return "resumption" }

// EventCloseNotice warns that the service will tear the connection down in
// TimeLeft.
type EventCloseNotice struct {
	TimeLeft time.Duration
}

func (EventCloseNotice) eventKind() string { return "close_notice" }

// EventContent carries one content payload: zero or more decoded audio
// chunks, zero or more text parts, and the turn-completion flag.
type EventContent struct {
	Audio        [][]byte
	Text         []string
	TurnComplete bool
	Interrupted  bool
}

func (EventContent) eventKind() string { return "content" }

// EventUsage carries a usage delta.
type EventUsage struct {
	Delta Usage
}

func (EventUsage) eventKind() string { return "usage" }

// EventToolCall carries a function invocation requested by the model.
type EventToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

func (EventToolCall) eventKind() string { return "tool_call" }

// EventError carries a protocol-level error reported in-band.
type EventError struct {
	Code    int
	Message string
}

func (EventError) eventKind() string { return "error" }

// decodeEvents converts one raw server message into its events. A single
// websocket frame can carry several kinds at once (content plus usage, for
// example); the returned slice preserves the wire field order above. Unknown
// fields are ignored, malformed audio parts are skipped.
func decodeEvents(data []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	var events []Event
	if msg.ResumptionUpdate != nil {
		events = append(events, EventResumption{
			Handle:    msg.ResumptionUpdate.NewHandle,
			Resumable: msg.ResumptionUpdate.Resumable,
		})
	}
	if msg.GoAway != nil {
		events = append(events, EventCloseNotice{TimeLeft: parseProtoDuration(msg.GoAway.TimeLeft)})
	}
	if msg.ServerContent != nil {
		ev := EventContent{
			TurnComplete: msg.ServerContent.TurnComplete,
			Interrupted:  msg.ServerContent.Interrupted,
		}
		if msg.ServerContent.ModelTurn != nil {
			for _, p := range msg.ServerContent.ModelTurn.Parts {
				if p.InlineData != nil {
					audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil || len(audio) == 0 {
						continue
					}
					ev.Audio = append(ev.Audio, audio)
				}
				if p.Text != "" {
					ev.Text = append(ev.Text, p.Text)
				}
			}
		}
		events = append(events, ev)
	}
	if msg.UsageMetadata != nil {
		events = append(events, EventUsage{Delta: Usage{
			InputUnits:  msg.UsageMetadata.PromptTokenCount,
			OutputUnits: msg.UsageMetadata.ResponseTokenCount,
			TotalUnits:  msg.UsageMetadata.TotalTokenCount,
		}})
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			events = append(events, EventToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if msg.Error != nil {
		events = append(events, EventError{Code: msg.Error.Code, Message: msg.Error.Message})
	}
	return events, nil
}

// parseProtoDuration parses a protobuf JSON duration ("10s", "2.5s").
// Malformed input yields zero.
func parseProtoDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
