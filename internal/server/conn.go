package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/audio"
	"github.com/llmrtc/llmrtc/pkg/audio/segment"
	"github.com/llmrtc/llmrtc/pkg/types"
	"github.com/llmrtc/llmrtc/pkg/wire"
)

// Close codes for fatal-to-connection conditions.
const (
	closeCodeInternal         = websocket.StatusCode(4000)
	closeCodeVADFailure       = websocket.StatusCode(4001)
	closeCodeHeartbeatTimeout = websocket.StatusCode(4002)
)

// legacySampleRate is the assumed rate of raw PCM carried in base64 audio
// control messages. Binary websocket frames carry media-rate PCM instead.
const legacySampleRate = 16000

// mediaSampleRate is the negotiated media-plane rate.
const mediaSampleRate = 48000

// conn is one client transport: the websocket, the session it borrows, its
// VAD segmenter, and the optional media bridge. All outbound traffic goes
// through send, which fans out to the signalling and data channels.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	mu    sync.Mutex
	sess  *session.Session
	media *mediaBridge

	seg      *segment.Segmenter
	lastSeen atomic.Int64 // unix nanos of the last inbound message

	writeMu sync.Mutex

	// turnDone is closed when the current turn's forwarder finishes.
	// Touched only from the segmenter loop goroutine.
	turnDone chan struct{}
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{srv: s, ws: ws, logger: s.logger}
}

// run drives the connection until the transport closes or a fatal error
// occurs. It owns the session handshake, the read loop, the heartbeat
// checker, and the segmenter event loop.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := c.srv.cfg.Manager.Create("")
	if err != nil {
		c.logger.Error("session create failed", "err", err)
		c.ws.Close(closeCodeInternal, "session unavailable")
		return
	}
	c.sess = sess
	c.logger = c.logger.With("session_id", sess.ID())

	seg, err := segment.New(c.srv.cfg.VAD, c.srv.cfg.Segment)
	if err != nil {
		c.logger.Error("vad init failed", "err", err)
		c.send(ctx, &wire.Error{Code: wire.CodeVADError, Message: "voice activity detector unavailable"})
		c.ws.Close(closeCodeVADFailure, "vad init failed")
		return
	}
	c.seg = seg
	c.markSeen()

	if ok := c.send(ctx, &wire.Ready{
		ID:              sess.ID(),
		ProtocolVersion: wire.ProtocolVersion,
		ICEServers:      c.srv.cfg.ICEServers,
	}); !ok {
		c.ws.Close(closeCodeInternal, "handshake write failed")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.heartbeat(gctx) })
	g.Go(func() error { return c.segmentLoop(gctx) })

	err = g.Wait()
	cancel()

	c.session().CancelTurn()
	c.seg.Close()
	if m := c.mediaBridge(); m != nil {
		m.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed", "err", err)
	} else {
		c.logger.Info("connection closed")
	}
	c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conn) mediaBridge() *mediaBridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

func (c *conn) markSeen() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// readLoop consumes the websocket: text frames are control messages, binary
// frames are raw media-rate PCM for clients without a media track.
func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		c.markSeen()

		switch typ {
		case websocket.MessageText:
			c.handleControl(ctx, data)
		case websocket.MessageBinary:
			c.pushAudio(ctx, data, mediaSampleRate)
		}
	}
}

// heartbeat closes the transport after PongTimeout of inbound silence.
func (c *conn) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, c.lastSeen.Load()))
		if idle > c.srv.cfg.PongTimeout {
			c.ws.Close(closeCodeHeartbeatTimeout, "heartbeat timeout")
			return fmt.Errorf("server: heartbeat timeout after %s", idle.Round(time.Second))
		}
	}
}

// handleControl decodes and dispatches one control message. Unknown types
// are ignored per the protocol contract.
func (c *conn) handleControl(ctx context.Context, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			c.logger.Debug("ignoring unknown control message")
			return
		}
		c.send(ctx, &wire.Error{Code: wire.CodeInvalidMessage, Message: "malformed control message"})
		return
	}

	switch m := msg.(type) {
	case *wire.Ping:
		c.send(ctx, &wire.Pong{Timestamp: m.Timestamp})
	case *wire.Offer:
		c.handleOffer(ctx, m)
	case *wire.Reconnect:
		c.handleReconnect(ctx, m)
	case *wire.Audio:
		c.stageAttachments(m.Attachments)
		c.pushAudio(ctx, m.Data, legacySampleRate)
	case *wire.Attachments:
		c.stageAttachments(m.Attachments)
	default:
		c.logger.Debug("ignoring unexpected control message", "type", msg.Tag())
	}
}

// handleOffer negotiates the media plane and answers with the local SDP.
func (c *conn) handleOffer(ctx context.Context, offer *wire.Offer) {
	if !c.srv.cfg.EnableMedia {
		c.send(ctx, &wire.Error{Code: wire.CodeWebRTCUnavailable, Message: "media plane disabled"})
		return
	}

	bridge, err := newMediaBridge(mediaBridgeConfig{
		ICEServers: c.srv.cfg.ICEServers,
		OnPCM: func(frame audio.AudioFrame) {
			if err := c.seg.Push(frame); err != nil {
				c.logger.Warn("segmenter rejected media frame", "err", err)
			}
		},
		OnControl: func(data []byte) {
			c.markSeen()
			c.handleControl(ctx, data)
		},
		Logger: c.logger,
	})
	if err != nil {
		c.logger.Error("media bridge init failed", "err", err)
		c.send(ctx, &wire.Error{Code: wire.CodeWebRTCUnavailable, Message: "media negotiation failed"})
		return
	}

	answer, err := bridge.Answer(ctx, offer.Signal)
	if err != nil {
		bridge.Close()
		c.logger.Error("sdp answer failed", "err", err)
		c.send(ctx, &wire.Error{Code: wire.CodeConnectionFailed, Message: "media negotiation failed"})
		return
	}

	c.mu.Lock()
	if c.media != nil {
		c.media.Close()
	}
	c.media = bridge
	c.mu.Unlock()

	c.send(ctx, &wire.Signal{Signal: answer})
}

// handleReconnect swaps this transport onto an existing session when it is
// still alive, recovering its history.
func (c *conn) handleReconnect(ctx context.Context, m *wire.Reconnect) {
	recovered, ok := c.srv.cfg.Manager.Lookup(m.SessionID)
	if !ok {
		c.send(ctx, &wire.ReconnectAck{Success: false, SessionID: m.SessionID})
		return
	}

	c.mu.Lock()
	old := c.sess
	c.sess = recovered
	c.mu.Unlock()

	if old != nil && old.ID() != recovered.ID() && len(old.Messages()) == 0 {
		// The freshly created session was never used; drop it instead of
		// waiting out its TTL.
		c.srv.cfg.Manager.Remove(old.ID())
	}

	c.logger = c.srv.logger.With("session_id", recovered.ID())
	c.logger.Info("session reconnected")
	c.send(ctx, &wire.ReconnectAck{
		Success:          true,
		SessionID:        recovered.ID(),
		HistoryRecovered: true,
	})
}

func (c *conn) stageAttachments(atts []types.Attachment) {
	sess := c.session()
	for _, att := range atts {
		slot := att.Slot
		if slot != types.SlotScreen {
			slot = types.SlotCamera
		}
		sess.SetAttachment(slot, att)
	}
}

// pushAudio feeds PCM into the segmenter. WAV-framed payloads carry their
// own format; bare payloads are assumed mono at the given rate.
func (c *conn) pushAudio(ctx context.Context, data []byte, sampleRate int) {
	if len(data) == 0 {
		return
	}

	channels := 1
	if pcm, rate, ch, err := audio.UnwrapWAV(data); err == nil {
		data, sampleRate, channels = pcm, rate, ch
	} else if bytes.HasPrefix(data, []byte("RIFF")) {
		c.send(ctx, &wire.Error{Code: wire.CodeInvalidAudioFormat, Message: "unreadable WAV payload"})
		return
	}

	err := c.seg.Push(audio.AudioFrame{Data: data, SampleRate: sampleRate, Channels: channels})
	if err != nil {
		c.logger.Warn("audio frame rejected", "err", err)
		c.send(ctx, &wire.Error{Code: wire.CodeAudioProcessingError, Message: "audio frame rejected"})
	}
}

// segmentLoop turns segmenter events into barge-in handling and new turns.
func (c *conn) segmentLoop(ctx context.Context) error {
	for {
		var ev segment.Event
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-c.seg.Events():
			if !ok {
				return nil
			}
		}

		switch ev.Type {
		case segment.SpeechStart:
			c.handleBargeIn(ctx)
			c.send(ctx, &wire.SpeechStart{})
		case segment.SpeechEnd:
			c.send(ctx, &wire.SpeechEnd{})
			c.startTurn(ctx, ev.WAV)
		}
	}
}

// handleBargeIn cancels the active turn and waits for its terminal
// tts-cancelled to flush, keeping cross-turn event order intact.
func (c *conn) handleBargeIn(ctx context.Context) {
	sess := c.session()
	if !sess.TurnActive() {
		return
	}
	sess.CancelTurn()
	if c.turnDone != nil {
		select {
		case <-c.turnDone:
		case <-ctx.Done():
		}
	}
}

// startTurn launches the session turn and a forwarder that serializes its
// events onto the control channels.
func (c *conn) startTurn(ctx context.Context, utterance []byte) {
	events := c.session().RunTurn(ctx, utterance)
	done := make(chan struct{})
	c.turnDone = done

	go func() {
		defer close(done)
		for ev := range events {
			c.forward(ctx, ev)
		}
	}()
}

// forward maps one orchestrator event onto the wire. TTS PCM goes to the
// media track when one is up; everything else is a control message.
func (c *conn) forward(ctx context.Context, ev turn.Event) {
	switch e := ev.(type) {
	case turn.Transcript:
		c.send(ctx, &wire.Transcript{Text: e.Text, IsFinal: e.IsFinal})
	case turn.LLMChunk:
		c.send(ctx, &wire.LLMChunk{Content: e.Content, Done: e.Done})
	case turn.LLMFull:
		c.send(ctx, &wire.LLM{Text: e.Text})
	case turn.ToolCallStart:
		c.send(ctx, &wire.ToolCallStart{Name: e.Name, CallID: e.CallID, Arguments: e.Arguments})
	case turn.ToolCallEnd:
		c.send(ctx, &wire.ToolCallEnd{
			CallID:     e.CallID,
			Result:     e.Result,
			Error:      e.Err,
			DurationMs: e.Duration.Milliseconds(),
		})
	case turn.StageChange:
		c.send(ctx, &wire.StageChange{From: e.From, To: e.To, Reason: e.Reason})
	case turn.TTSStart:
		c.send(ctx, &wire.TTSStart{})
	case turn.TTSChunk:
		c.forwardTTSChunk(ctx, e)
	case turn.TTSComplete:
		c.send(ctx, &wire.TTSComplete{})
	case turn.TTSCancelled:
		c.send(ctx, &wire.TTSCancelled{})
	case turn.Error:
		c.send(ctx, &wire.Error{Code: e.Code, Message: e.Message})
	}
}

func (c *conn) forwardTTSChunk(ctx context.Context, e turn.TTSChunk) {
	if m := c.mediaBridge(); m != nil && m.TrackReady() {
		if err := m.WritePCM(e.PCM, e.SampleRate); err != nil {
			c.logger.Warn("media track write failed", "err", err)
		}
		return
	}
	c.send(ctx, &wire.TTSChunk{Format: e.Format, SampleRate: e.SampleRate, Data: e.PCM})
}

// send is the single fan-out point for outbound control messages: the
// websocket always, the media data channel when open. Returns false when
// the websocket write fails.
func (c *conn) send(ctx context.Context, msg wire.Message) bool {
	data, err := wire.Encode(msg)
	if err != nil {
		c.logger.Error("encode control message", "type", msg.Tag(), "err", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if m := c.mediaBridge(); m != nil {
		m.SendControl(data)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("websocket write failed", "type", msg.Tag(), "err", err)
		return false
	}
	return true
}
