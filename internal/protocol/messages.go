// Package protocol defines the voice command wire format shared by the
// WebSocket and NATS transports.
package protocol

import (
	"strings"
	"time"
)

// Inbound message types.
const (
	TypeVoiceCommand = "voice_command"
	TypeTextCommand  = "text_command"
)

// Outbound event types, in the order one utterance emits them.
const (
	TypeVoiceProcessing = "voice_processing"
	TypeVoiceRecognized = "voice_recognized"
	TypeVoiceParsed     = "voice_parsed"
	TypeVoiceResult     = "voice_result"
	TypeVoiceAudio      = "voice_audio"
	TypeVoiceError      = "voice_error"
)

// VoiceCommand is one utterance submitted by a client. Audio is WAV or raw
// 16-bit PCM, base64 in JSON. When Text is set recognition is skipped.
type VoiceCommand struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Audio       []byte `json:"audio,omitempty"`
	Language    string `json:"language,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Envelope carries one pipeline event to a client.
type Envelope struct {
	Type        string    `json:"type"`
	UtteranceID string    `json:"utterance_id"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data"`
}

type Processing struct {
	Stage string `json:"stage"`
}

type Recognized struct {
	Text     string `json:"text"`
	Backend  string `json:"backend"`
	Language string `json:"language,omitempty"`
}

type Parsed struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source,omitempty"`
}

type Result struct {
	Success      bool   `json:"success"`
	ResponseText string `json:"response_text"`
	ErrorKind    string `json:"error_kind,omitempty"`
}

type Audio struct {
	Audio    []byte `json:"audio"`
	MIMEType string `json:"mime_type"`
	Backend  string `json:"backend,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

type Error struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CommandAck answers a bus command that carried a reply subject, once the
// utterance has finished.
type CommandAck struct {
	UtteranceID  string `json:"utterance_id"`
	Stage        string `json:"stage"`
	Success      bool   `json:"success"`
	ResponseText string `json:"response_text,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AudioFrame is PCM audio streamed from an edge device. A session ends with
// a frame marked Final.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is recognition output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Backend    string    `json:"backend,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Error      string    `json:"error,omitempty"`
}

const (
	SubjectVoiceCommand      = "voice.command"
	SubjectVoiceEventPrefix  = "voice.event"
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
)

// EventSubject is where events for one utterance are published.
func EventSubject(utteranceID string) string {
	return SubjectVoiceEventPrefix + "." + utteranceID
}

// FrameSession extracts the session ID from an audio frame subject.
func FrameSession(subject string) string {
	return strings.TrimPrefix(subject, SubjectAudioFramePrefix+".")
}
