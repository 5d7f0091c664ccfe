// Package engine is the client for the realtime speech engine leg: a duplex
// websocket that accepts session configuration and appended caller audio and
// emits typed server events (audio deltas, turn boundaries, transcripts, tool
// call requests, rate-limit reports, errors).
//
// Server frames are decoded exactly once, at this boundary, into the tagged
// event structs below; the session actor switches on the concrete type and
// never touches raw JSON.
package engine

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// RateLimitBucket is one named quota bucket from a rate_limits.updated event.
type RateLimitBucket struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

type SessionCreated struct {
	SessionID string
}

type SessionUpdated struct{}

type ResponseCreated struct {
	ResponseID string
}

// ResponseAudioDelta carries one decoded chunk of engine speech audio.
type ResponseAudioDelta struct {
	ResponseID string
	ItemID     string
	Audio      []byte
}

type ResponseAudioDone struct {
	ResponseID string
	ItemID     string
}

type ResponseTranscriptDelta struct {
	ResponseID string
	Delta      string
}

type ResponseTranscriptDone struct {
	ResponseID string
	Transcript string
}

// ResponseDone is the terminal event for a response. Status is one of
// completed, cancelled, failed, incomplete.
type ResponseDone struct {
	ResponseID string
	Status     string
}

type SpeechStarted struct {
	AudioStartMS int64
}

type SpeechStopped struct {
	AudioEndMS int64
}

type InputTranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

// ToolCallRequested fires when the engine finished streaming the arguments of
// a function/tool call and wants it executed.
type ToolCallRequested struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

type RateLimitsUpdated struct {
	Buckets []RateLimitBucket
}

// EngineError is a structured error report from the engine. Only some of
// these are fatal; see IsContentSchemaError for the recoverable class.
type EngineError struct {
	Type    string
	Code    string
	Message string
	Param   string
}

// UnknownEvent is any server event type this client does not model. The
// session counts and ignores these instead of failing the call.
type UnknownEvent struct {
	Type string
}

// IsContentSchemaError reports whether an engine error is the content-type
// schema mismatch that is recovered by flipping the item content mode and
// retrying the pending item once.
func IsContentSchemaError(e EngineError) bool {
	if e.Code != "invalid_value" && e.Code != "invalid_request_error" {
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "content") &&
		(strings.Contains(msg, "input_text") || strings.Contains(msg, "input_audio") || strings.Contains(msg, "text"))
}

type serverEnvelope struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	Session    json.RawMessage `json:"session"`
	Response   json.RawMessage `json:"response"`
	RateLimits json.RawMessage `json:"rate_limits"`
	Error      json.RawMessage `json:"error"`

	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	Arguments    string `json:"arguments"`
	AudioStartMS int64  `json:"audio_start_ms"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type responsePayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type sessionPayload struct {
	ID string `json:"id"`
}

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// DecodeServerEvent decodes one engine frame into its typed event. Events
// this client does not model come back as UnknownEvent, never an error; a
// decode error means the frame was not valid JSON at all.
func DecodeServerEvent(data []byte) (any, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case "session.created":
		var s sessionPayload
		_ = json.Unmarshal(env.Session, &s)
		return SessionCreated{SessionID: s.ID}, nil
	case "session.updated":
		return SessionUpdated{}, nil
	case "response.created":
		var r responsePayload
		_ = json.Unmarshal(env.Response, &r)
		return ResponseCreated{ResponseID: r.ID}, nil
	case "response.audio.delta", "response.output_audio.delta":
		audio, err := base64.StdEncoding.DecodeString(env.Delta)
		if err != nil {
			return nil, err
		}
		return ResponseAudioDelta{ResponseID: env.ResponseID, ItemID: env.ItemID, Audio: audio}, nil
	case "response.audio.done", "response.output_audio.done":
		return ResponseAudioDone{ResponseID: env.ResponseID, ItemID: env.ItemID}, nil
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return ResponseTranscriptDelta{ResponseID: env.ResponseID, Delta: env.Delta}, nil
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return ResponseTranscriptDone{ResponseID: env.ResponseID, Transcript: env.Transcript}, nil
	case "response.done", "response.completed":
		var r responsePayload
		_ = json.Unmarshal(env.Response, &r)
		if r.Status == "" {
			r.Status = "completed"
		}
		return ResponseDone{ResponseID: r.ID, Status: r.Status}, nil
	case "response.cancelled", "response.canceled", "response.interrupted":
		var r responsePayload
		_ = json.Unmarshal(env.Response, &r)
		return ResponseDone{ResponseID: r.ID, Status: "cancelled"}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{AudioStartMS: env.AudioStartMS}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{AudioEndMS: env.AudioEndMS}, nil
	case "conversation.item.input_audio_transcription.completed":
		return InputTranscriptionCompleted{ItemID: env.ItemID, Transcript: env.Transcript}, nil
	case "response.function_call_arguments.done":
		args := json.RawMessage(env.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return ToolCallRequested{CallID: env.CallID, Name: env.Name, Arguments: args}, nil
	case "rate_limits.updated":
		var buckets []RateLimitBucket
		_ = json.Unmarshal(env.RateLimits, &buckets)
		return RateLimitsUpdated{Buckets: buckets}, nil
	case "error":
		var p errorPayload
		_ = json.Unmarshal(env.Error, &p)
		return EngineError{Type: p.Type, Code: p.Code, Message: p.Message, Param: p.Param}, nil
	default:
		return UnknownEvent{Type: env.Type}, nil
	}
}
