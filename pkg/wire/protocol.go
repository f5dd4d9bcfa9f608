// Package wire defines the JSON control-plane protocol spoken on the
// signalling WebSocket and the WebRTC data channel.
//
// Every message is a JSON object with a "type" discriminator. [Encode]
// stamps the discriminator; [Decode] dispatches on it. Unknown types decode
// to [ErrUnknownType] so connection loops can skip messages from newer
// clients without failing the transport.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// ProtocolVersion is declared in the ready message. Bump only on breaking
// changes to the message set.
const ProtocolVersion = 1

// ErrUnknownType is returned by Decode for a message type this version does
// not know. Receivers ignore such messages.
var ErrUnknownType = errors.New("wire: unknown message type")

// MessageType is the "type" discriminator of a control-plane message.
type MessageType string

// Client → server message types.
const (
	TypePing        MessageType = "ping"
	TypeOffer       MessageType = "offer"
	TypeReconnect   MessageType = "reconnect"
	TypeAudio       MessageType = "audio"
	TypeAttachments MessageType = "attachments"
)

// Server → client message types.
const (
	TypeReady         MessageType = "ready"
	TypePong          MessageType = "pong"
	TypeSignal        MessageType = "signal"
	TypeReconnectAck  MessageType = "reconnect-ack"
	TypeTranscript    MessageType = "transcript"
	TypeLLMChunk      MessageType = "llm-chunk"
	TypeLLM           MessageType = "llm"
	TypeTTSStart      MessageType = "tts-start"
	TypeTTSChunk      MessageType = "tts-chunk"
	TypeTTSComplete   MessageType = "tts-complete"
	TypeTTSCancelled  MessageType = "tts-cancelled"
	TypeSpeechStart   MessageType = "speech-start"
	TypeSpeechEnd     MessageType = "speech-end"
	TypeToolCallStart MessageType = "tool-call-start"
	TypeToolCallEnd   MessageType = "tool-call-end"
	TypeStageChange   MessageType = "stage-change"
	TypeError         MessageType = "error"
)

// ErrorCode classifies a server-emitted error. The set is closed; clients
// may switch exhaustively on it.
type ErrorCode string

const (
	CodeWebRTCUnavailable    ErrorCode = "WEBRTC_UNAVAILABLE"
	CodeConnectionFailed     ErrorCode = "CONNECTION_FAILED"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionExpired       ErrorCode = "SESSION_EXPIRED"
	CodeSTTError             ErrorCode = "STT_ERROR"
	CodeSTTTimeout           ErrorCode = "STT_TIMEOUT"
	CodeLLMError             ErrorCode = "LLM_ERROR"
	CodeLLMTimeout           ErrorCode = "LLM_TIMEOUT"
	CodeTTSError             ErrorCode = "TTS_ERROR"
	CodeTTSTimeout           ErrorCode = "TTS_TIMEOUT"
	CodeAudioProcessingError ErrorCode = "AUDIO_PROCESSING_ERROR"
	CodeVADError             ErrorCode = "VAD_ERROR"
	CodeInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	CodeInvalidAudioFormat   ErrorCode = "INVALID_AUDIO_FORMAT"
	CodeToolError            ErrorCode = "TOOL_ERROR"
	CodePlaybookError        ErrorCode = "PLAYBOOK_ERROR"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
)

// Message is a decoded control-plane message. The concrete type is one of
// the structs in this package.
type Message interface {
	// Tag returns the message's wire discriminator.
	Tag() MessageType
}

// Ping is a client heartbeat probe; the server echoes the timestamp in a
// Pong.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Offer carries the client's SDP offer.
type Offer struct {
	Signal string `json:"signal"`
}

// Reconnect asks the server to re-attach the transport to an existing
// session.
type Reconnect struct {
	SessionID string `json:"sessionId"`
}

// Audio is the legacy audio path for clients without a media track: one
// utterance of base64 PCM, optionally with attachments for the turn.
type Audio struct {
	Data        []byte             `json:"data"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// Attachments stages images for the next turn without audio.
type Attachments struct {
	Attachments []types.Attachment `json:"attachments"`
}

// ICEServer describes one STUN/TURN server handed to the client in Ready.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Ready is the first server message on a new transport.
type Ready struct {
	ID              string      `json:"id"`
	ProtocolVersion int         `json:"protocolVersion"`
	ICEServers      []ICEServer `json:"iceServers,omitempty"`
}

// Pong echoes a Ping's timestamp.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// Signal carries the server's SDP answer.
type Signal struct {
	Signal string `json:"signal"`
}

// ReconnectAck answers a Reconnect.
type ReconnectAck struct {
	Success          bool   `json:"success"`
	SessionID        string `json:"sessionId"`
	HistoryRecovered bool   `json:"historyRecovered"`
}

// Transcript is the STT result for the user's utterance.
type Transcript struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// LLMChunk is one streamed piece of the assistant reply. The final chunk
// has Done set and empty content.
type LLMChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// LLM carries the full assistant reply after streaming completes.
type LLM struct {
	Text string `json:"text"`
}

// TTSStart marks the beginning of synthesized speech for the turn.
type TTSStart struct{}

// TTSChunk carries one base64 block of synthesized audio. Sent only when
// the client has no media track; otherwise audio flows on the track and
// TTSChunk is metadata-free.
type TTSChunk struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Data       []byte `json:"data,omitempty"`
}

// TTSComplete is the terminal sentinel of a turn whose speech finished.
type TTSComplete struct{}

// TTSCancelled is the terminal sentinel of a turn cut short by barge-in or
// cancellation.
type TTSCancelled struct{}

// SpeechStart signals that the VAD detected the user speaking.
type SpeechStart struct{}

// SpeechEnd signals that the user's utterance ended and a turn is starting.
type SpeechEnd struct{}

// ToolCallStart reports that the LLM requested a tool invocation.
type ToolCallStart struct {
	Name      string         `json:"name"`
	CallID    string         `json:"callId"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallEnd reports a tool invocation's outcome.
type ToolCallEnd struct {
	CallID     string `json:"callId"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// StageChange reports a playbook stage transition.
type StageChange struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Error reports a classified failure on the control channel.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (Ping) Tag() MessageType          { return TypePing }
func (Offer) Tag() MessageType         { return TypeOffer }
func (Reconnect) Tag() MessageType     { return TypeReconnect }
func (Audio) Tag() MessageType         { return TypeAudio }
func (Attachments) Tag() MessageType   { return TypeAttachments }
func (Ready) Tag() MessageType         { return TypeReady }
func (Pong) Tag() MessageType          { return TypePong }
func (Signal) Tag() MessageType        { return TypeSignal }
func (ReconnectAck) Tag() MessageType  { return TypeReconnectAck }
func (Transcript) Tag() MessageType    { return TypeTranscript }
func (LLMChunk) Tag() MessageType      { return TypeLLMChunk }
func (LLM) Tag() MessageType           { return TypeLLM }
func (TTSStart) Tag() MessageType      { return TypeTTSStart }
func (TTSChunk) Tag() MessageType      { return TypeTTSChunk }
func (TTSComplete) Tag() MessageType   { return TypeTTSComplete }
func (TTSCancelled) Tag() MessageType  { return TypeTTSCancelled }
func (SpeechStart) Tag() MessageType   { return TypeSpeechStart }
func (SpeechEnd) Tag() MessageType     { return TypeSpeechEnd }
func (ToolCallStart) Tag() MessageType { return TypeToolCallStart }
func (ToolCallEnd) Tag() MessageType   { return TypeToolCallEnd }
func (StageChange) Tag() MessageType   { return TypeStageChange }
func (Error) Tag() MessageType         { return TypeError }

// Encode serializes m with its type discriminator stamped in.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.Tag(), err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.Tag(), err)
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 1)
	}
	tag, err := json.Marshal(m.Tag())
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.Tag(), err)
	}
	obj["type"] = tag
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.Tag(), err)
	}
	return out, nil
}

// Decode parses a control-plane message, dispatching on its type
// discriminator. A type this version does not know yields an error wrapping
// [ErrUnknownType]; callers treat that as a skippable message.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("wire: decode header: %w", err)
	}

	var m Message
	switch head.Type {
	case TypePing:
		m = &Ping{}
	case TypeOffer:
		m = &Offer{}
	case TypeReconnect:
		m = &Reconnect{}
	case TypeAudio:
		m = &Audio{}
	case TypeAttachments:
		m = &Attachments{}
	case TypeReady:
		m = &Ready{}
	case TypePong:
		m = &Pong{}
	case TypeSignal:
		m = &Signal{}
	case TypeReconnectAck:
		m = &ReconnectAck{}
	case TypeTranscript:
		m = &Transcript{}
	case TypeLLMChunk:
		m = &LLMChunk{}
	case TypeLLM:
		m = &LLM{}
	case TypeTTSStart:
		m = &TTSStart{}
	case TypeTTSChunk:
		m = &TTSChunk{}
	case TypeTTSComplete:
		m = &TTSComplete{}
	case TypeTTSCancelled:
		m = &TTSCancelled{}
	case TypeSpeechStart:
		m = &SpeechStart{}
	case TypeSpeechEnd:
		m = &SpeechEnd{}
	case TypeToolCallStart:
		m = &ToolCallStart{}
	case TypeToolCallEnd:
		m = &ToolCallEnd{}
	case TypeStageChange:
		m = &StageChange{}
	case TypeError:
		m = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", head.Type, err)
	}
	return m, nil
}
