package turn

import (
	"time"

	"github.com/llmrtc/llmrtc/pkg/wire"
)

// Event is one element of a turn's ordered event stream. It is a closed
// set: the concrete types below are the only implementations.
//
// Within a turn the stream follows a fixed schedule: Transcript first, then
// LLM chunks (with tool-call and stage-change events interleaved by the
// playbook), then the TTS sequence. The terminal event is exactly one of
// TTSComplete, TTSCancelled or Error, except for an empty assistant reply,
// which ends on its final LLMChunk.
type Event interface {
	isTurnEvent()
}

// Transcript carries the STT result for the utterance.
type Transcript struct {
	Text    string
	IsFinal bool
}

// LLMChunk is one streamed delta of the assistant reply. The last chunk of
// a turn has Done set and no content.
type LLMChunk struct {
	Content string
	Done    bool
}

// LLMFull carries the complete assistant reply once streaming finished.
type LLMFull struct {
	Text string
}

// ToolCallStart reports that the LLM requested a tool invocation.
type ToolCallStart struct {
	Name      string
	CallID    string
	Arguments map[string]any
}

// ToolCallEnd reports a tool invocation's outcome. Exactly one of Result
// and Err is meaningful.
type ToolCallEnd struct {
	CallID   string
	Result   any
	Err      string
	Duration time.Duration
}

// StageChange reports a playbook stage transition taken this turn.
type StageChange struct {
	From   string
	To     string
	Reason string
}

// TTSStart precedes the first synthesized audio of the turn.
type TTSStart struct{}

// TTSChunk carries one block of synthesized audio.
type TTSChunk struct {
	PCM        []byte
	Format     string
	SampleRate int
}

// TTSComplete terminates a turn whose speech fully played out.
type TTSComplete struct{}

// TTSCancelled terminates a turn cut short by cancellation.
type TTSCancelled struct{}

// Error reports a classified stage failure. A fatal stage failure is
// followed only by the turn's terminal sentinel, if TTS had started.
type Error struct {
	Code    wire.ErrorCode
	Message string
}

func (Transcript) isTurnEvent()    {}
func (LLMChunk) isTurnEvent()      {}
func (LLMFull) isTurnEvent()       {}
func (ToolCallStart) isTurnEvent() {}
func (ToolCallEnd) isTurnEvent()   {}
func (StageChange) isTurnEvent()   {}
func (TTSStart) isTurnEvent()      {}
func (TTSChunk) isTurnEvent()      {}
func (TTSComplete) isTurnEvent()   {}
func (TTSCancelled) isTurnEvent()  {}
func (Error) isTurnEvent()         {}
