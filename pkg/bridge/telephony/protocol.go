// Package telephony defines the wire protocol of the carrier-side media
// stream socket: a start event describing the call, repeated base64 media
// events, playback marks, DTMF, and a stop event. Inbound frames are decoded
// once at the boundary into typed messages; outbound frames are built from
// the envelope types below.
package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// MediaFormat describes the audio shape negotiated for one leg of the call.
type MediaFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

const (
	EncodingMulaw = "audio/x-mulaw"
	EncodingPCM16 = "audio/x-l16"
)

// StartMessage opens a media stream and identifies the call.
type StartMessage struct {
	Event            string            `json:"event"`
	SequenceNumber   string            `json:"sequence_number,omitempty"`
	StreamID         string            `json:"stream_id"`
	CallID           string            `json:"call_id"`
	AccountID        string            `json:"account_id,omitempty"`
	Direction        string            `json:"direction,omitempty"`
	Caller           string            `json:"caller,omitempty"`
	Callee           string            `json:"callee,omitempty"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	MediaFormat      MediaFormat       `json:"media_format"`
}

// MediaMessage carries one inbound audio frame.
type MediaMessage struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequence_number,omitempty"`
	StreamID       string `json:"stream_id,omitempty"`
	Track          string `json:"track,omitempty"`
	Chunk          string `json:"chunk,omitempty"`
	TimestampMS    string `json:"timestamp_ms,omitempty"`
	Payload        string `json:"payload"`
}

// StopMessage signals the carrier ended the stream.
type StopMessage struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// MarkMessage acknowledges that the carrier played audio up to a named mark
// we previously sent.
type MarkMessage struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id,omitempty"`
	Name     string `json:"name"`
}

// DTMFMessage reports a keypad digit pressed by the caller.
type DTMFMessage struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id,omitempty"`
	Digit    string `json:"digit"`
}

// ConnectedMessage is the carrier's socket-level greeting, sent before start.
type ConnectedMessage struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

// DecodeInboundMessage decodes one carrier frame into its typed message.
// Unknown event names and missing required fields yield a *DecodeError.
func DecodeInboundMessage(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case "connected":
		var msg ConnectedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connected frame", "")
		}
		return msg, nil
	case "start":
		var msg StartMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if strings.TrimSpace(msg.StreamID) == "" {
			return nil, badRequest("start.stream_id is required", "stream_id")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("start.call_id is required", "call_id")
		}
		if msg.MediaFormat.Encoding == "" {
			msg.MediaFormat.Encoding = EncodingMulaw
		}
		if msg.MediaFormat.SampleRateHz <= 0 {
			msg.MediaFormat.SampleRateHz = 8000
		}
		if msg.MediaFormat.Channels <= 0 {
			msg.MediaFormat.Channels = 1
		}
		return msg, nil
	case "media":
		var msg MediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		if strings.TrimSpace(msg.Payload) == "" {
			return nil, badRequest("media.payload is required", "payload")
		}
		return msg, nil
	case "stop":
		var msg StopMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	case "mark":
		var msg MarkMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark frame", "")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badRequest("mark.name is required", "name")
		}
		return msg, nil
	case "dtmf":
		var msg DTMFMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame", "")
		}
		if strings.TrimSpace(msg.Digit) == "" {
			return nil, badRequest("dtmf.digit is required", "digit")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported event", "event")
	}
}

// OutboundMedia is one audio frame sent back to the carrier.
type OutboundMedia struct {
	Event    string        `json:"event"`
	StreamID string        `json:"stream_id"`
	Media    OutboundAudio `json:"media"`
}

type OutboundAudio struct {
	Payload string `json:"payload"`
}

// OutboundMark asks the carrier to echo a mark event once the audio queued
// before it has been played.
type OutboundMark struct {
	Event    string       `json:"event"`
	StreamID string       `json:"stream_id"`
	Mark     OutboundName `json:"mark"`
}

type OutboundName struct {
	Name string `json:"name"`
}

// OutboundClear tells the carrier to drop any queued, unplayed audio. Sent on
// barge-in so the caller does not keep hearing the canceled response.
type OutboundClear struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id"`
}

func NewOutboundMedia(streamID, payloadB64 string) OutboundMedia {
	return OutboundMedia{Event: "media", StreamID: streamID, Media: OutboundAudio{Payload: payloadB64}}
}

func NewOutboundMark(streamID, name string) OutboundMark {
	return OutboundMark{Event: "mark", StreamID: streamID, Mark: OutboundName{Name: name}}
}

func NewOutboundClear(streamID string) OutboundClear {
	return OutboundClear{Event: "clear", StreamID: streamID}
}
