package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"layeh.com/gopus"

	"github.com/llmrtc/llmrtc/pkg/audio"
	"github.com/llmrtc/llmrtc/pkg/wire"
)

// The media plane runs Opus at 48 kHz mono with 20 ms frames.
const (
	opusFrameSamples = mediaSampleRate * 20 / 1000 // 960
	opusFrameBytes   = opusFrameSamples * 2
	opusMaxPacket    = 4000
)

// mediaBridgeConfig wires a mediaBridge to its connection.
type mediaBridgeConfig struct {
	ICEServers []wire.ICEServer

	// OnPCM receives decoded inbound audio frames (48 kHz mono).
	OnPCM func(audio.AudioFrame)

	// OnControl receives control messages arriving on the data channel.
	OnControl func([]byte)

	Logger *slog.Logger
}

// mediaBridge is the WebRTC media plane of one connection: an inbound audio
// track decoded to PCM for the segmenter, an outbound track for TTS audio,
// and a client-created data channel mirroring the control stream.
type mediaBridge struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	logger *slog.Logger
	onPCM  func(audio.AudioFrame)

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	enc        *gopus.Encoder
	pending    []byte // sub-frame PCM carried between WritePCM calls
	trackLive  bool
	closed     bool
}

func newMediaBridge(cfg mediaBridgeConfig) (*mediaBridge, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ice := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		ice = append(ice, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("server: create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: mediaSampleRate,
		Channels:  1,
	}, "audio", "llmrtc")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("server: create outbound track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("server: add outbound track: %w", err)
	}

	enc, err := gopus.NewEncoder(mediaSampleRate, 1, gopus.Voip)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("server: create opus encoder: %w", err)
	}

	b := &mediaBridge{
		pc:     pc,
		track:  track,
		logger: cfg.Logger,
		onPCM:  cfg.OnPCM,
		enc:    enc,
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		b.logger.Debug("inbound media track", "codec", remote.Codec().MimeType)
		go b.readTrack(remote)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		b.mu.Lock()
		b.dc = dc
		b.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if cfg.OnControl != nil && msg.IsString {
				cfg.OnControl(msg.Data)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateConnected {
			b.mu.Lock()
			b.trackLive = true
			b.mu.Unlock()
		}
	})

	return b, nil
}

// Answer applies the remote offer and returns the local answer SDP after
// ICE gathering completes.
func (b *mediaBridge) Answer(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := b.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("server: set remote description: %w", err)
	}

	answer, err := b.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("server: create answer: %w", err)
	}
	if err := b.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("server: set local description: %w", err)
	}

	select {
	case <-webrtc.GatheringCompletePromise(b.pc):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return b.pc.LocalDescription().SDP, nil
}

// readTrack depacketizes the inbound track and hands decoded PCM to the
// segmenter. One decoder per track keeps Opus state coherent.
func (b *mediaBridge) readTrack(remote *webrtc.TrackRemote) {
	dec, err := gopus.NewDecoder(mediaSampleRate, 1)
	if err != nil {
		b.logger.Error("opus decoder init failed", "err", err)
		return
	}

	for {
		var pkt *rtp.Packet
		pkt, _, err = remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("inbound track closed", "err", err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := dec.Decode(pkt.Payload, opusFrameSamples, false)
		if err != nil {
			b.logger.Warn("opus decode failed", "err", err)
			continue
		}
		if b.onPCM != nil {
			b.onPCM(audio.AudioFrame{
				Data:       int16sToBytes(pcm),
				SampleRate: mediaSampleRate,
				Channels:   1,
			})
		}
	}
}

// TrackReady reports whether the outbound track can carry audio.
func (b *mediaBridge) TrackReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trackLive && !b.closed
}

// WritePCM resamples TTS PCM to the media rate, encodes 20 ms Opus frames
// and writes them to the outbound track. Sub-frame remainders carry over to
// the next call and are flushed zero-padded by the encoder cadence.
func (b *mediaBridge) WritePCM(pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = legacySampleRate
	}
	if sampleRate != mediaSampleRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, mediaSampleRate)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("server: media bridge closed")
	}

	b.pending = append(b.pending, pcm...)
	for len(b.pending) >= opusFrameBytes {
		frame := b.pending[:opusFrameBytes]
		b.pending = b.pending[opusFrameBytes:]

		packet, err := b.enc.Encode(bytesToInt16s(frame), opusFrameSamples, opusMaxPacket)
		if err != nil {
			return fmt.Errorf("server: opus encode: %w", err)
		}
		if err := b.track.WriteSample(media.Sample{Data: packet, Duration: 20 * time.Millisecond}); err != nil {
			return fmt.Errorf("server: write media sample: %w", err)
		}
	}
	return nil
}

// SendControl mirrors a control message onto the data channel when open.
func (b *mediaBridge) SendControl(data []byte) {
	b.mu.Lock()
	dc := b.dc
	b.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if err := dc.Send(data); err != nil {
		b.logger.Debug("data channel send failed", "err", err)
	}
}

// Close tears down the peer connection. Safe to call more than once.
func (b *mediaBridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.pc.Close(); err != nil {
		b.logger.Debug("peer connection close", "err", err)
	}
}

func int16sToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
