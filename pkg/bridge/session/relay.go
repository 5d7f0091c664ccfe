package session

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/audio"
	"github.com/vango-go/voicebridge/pkg/bridge/telephony"
)

// playoutClock tracks how far into the future audio already written to the
// caller reaches. The writer goroutine advances it per written frame and
// paces against it; the actor only resets it on barge-in. The gap to now is
// the buffered-audio estimate used for backpressure.
type playoutClock struct {
	mu      sync.Mutex
	horizon time.Time
}

func (p *playoutClock) advance(now time.Time, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.horizon.Before(now) {
		p.horizon = now
	}
	p.horizon = p.horizon.Add(d)
}

func (p *playoutClock) buffered(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.horizon.Sub(now)
}

func (p *playoutClock) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.horizon = time.Time{}
}

// relayCallerAudio converts one carrier frame to the engine's format and
// appends it to the engine input buffer.
func (b *Bridge) relayCallerAudio(link EngineLink, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	converted, err := b.toEngineAudio(raw)
	if err != nil {
		return err
	}
	return link.AppendAudio(b.ctx, converted)
}

// toEngineAudio converts carrier audio to the engine's negotiated format.
func (b *Bridge) toEngineAudio(raw []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(b.format.Encoding)) {
	case telephony.EncodingMulaw, "":
		if b.cfg.EngineSampleRate == 8000 {
			// g711_ulaw passthrough.
			return raw, nil
		}
		pcm := audio.MulawToPCM16(raw)
		if b.format.SampleRateHz == 8000 || b.format.SampleRateHz == 0 {
			return audio.Upsample8to16(pcm), nil
		}
		return pcm, nil
	case telephony.EncodingPCM16:
		if b.cfg.EngineSampleRate == 8000 {
			if b.format.SampleRateHz == 16000 {
				return audio.PCM16ToMulaw(audio.Downsample16to8(raw)), nil
			}
			return audio.PCM16ToMulaw(raw), nil
		}
		if b.format.SampleRateHz == 8000 || b.format.SampleRateHz == 0 {
			return audio.Upsample8to16(raw), nil
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported carrier encoding %q", b.format.Encoding)
	}
}

// fromEngineAudio converts engine speech audio to the carrier's format.
func (b *Bridge) fromEngineAudio(raw []byte) ([]byte, error) {
	telMulaw := strings.ToLower(strings.TrimSpace(b.format.Encoding)) != telephony.EncodingPCM16

	if b.cfg.EngineSampleRate == 8000 {
		// Engine speaks g711_ulaw at the carrier rate already.
		if telMulaw {
			return raw, nil
		}
		return audio.MulawToPCM16(raw), nil
	}

	// Engine speaks pcm16 at 16 kHz.
	pcm := raw
	if b.format.SampleRateHz == 8000 || b.format.SampleRateHz == 0 {
		pcm = audio.Downsample16to8(raw)
	}
	if telMulaw {
		return audio.PCM16ToMulaw(pcm), nil
	}
	return pcm, nil
}

// relayAssistantAudio chunks one engine audio delta into carrier media frames
// and queues them in order. The writer goroutine paces the frames out at the
// carrier's playout rate; the actor never blocks here, so barge-in and every
// other event stay responsive while a long delta drains.
func (b *Bridge) relayAssistantAudio(responseID string, engineAudio []byte) error {
	converted, err := b.fromEngineAudio(engineAudio)
	if err != nil {
		return err
	}
	maxBytes := b.maxFrameBytes()
	for _, frame := range audio.SplitFrames(converted, maxBytes) {
		if b.isResponseCanceled(responseID) {
			return nil
		}
		if err := b.sendMedia(responseID, frame); err != nil {
			return err
		}
		b.metrics.RecordAudio("outbound", len(frame))
	}
	return nil
}

func (b *Bridge) maxFrameBytes() int {
	n := int(audio.BytesForDuration(b.cfg.MaxFrameDuration.Milliseconds(), b.carrierSampleRate(), b.carrierBytesPerSample()))
	if n <= 0 {
		n = 1600
	}
	return n
}

func (b *Bridge) carrierSampleRate() int {
	if b.format.SampleRateHz > 0 {
		return b.format.SampleRateHz
	}
	return 8000
}

func (b *Bridge) carrierBytesPerSample() int {
	if strings.ToLower(strings.TrimSpace(b.format.Encoding)) == telephony.EncodingPCM16 {
		return 2
	}
	return 1
}

func (b *Bridge) frameDuration(nBytes int) time.Duration {
	ms := audio.DurationMS(nBytes, b.carrierSampleRate(), b.carrierBytesPerSample())
	return time.Duration(ms) * time.Millisecond
}

// sendTrailingSilence pads the end of a completed turn so carrier-side jitter
// buffers do not clip the last phoneme, then marks the boundary.
func (b *Bridge) sendTrailingSilence() {
	padMS := int(b.cfg.SilencePadDuration.Milliseconds())
	if padMS > 0 {
		var pad []byte
		if b.carrierBytesPerSample() == 2 {
			pad = audio.SilencePadPCM16(padMS, b.carrierSampleRate())
		} else {
			pad = audio.SilencePadMulaw(padMS, b.carrierSampleRate())
		}
		_ = b.sendMedia("", pad)
	}
	b.sendMark()
}

func (b *Bridge) sendMedia(responseID string, frame []byte) error {
	payload := marshalFrame(telephony.NewOutboundMedia(b.streamID, base64.StdEncoding.EncodeToString(frame)))
	out := outboundFrame{
		isResponseAudio: responseID != "",
		responseID:      responseID,
		payload:         payload,
		duration:        b.frameDuration(len(frame)),
	}
	select {
	case b.outboundNormal <- out:
		return nil
	default:
		return errBackpressure
	}
}

func (b *Bridge) sendMark() {
	name := fmt.Sprintf("turn_%d", b.markCounter.Add(1))
	b.enqueuePriority(outboundFrame{payload: marshalFrame(telephony.NewOutboundMark(b.streamID, name))})
}

// sendClear tells the carrier to drop any audio it has buffered but not yet
// played. Used on barge-in.
func (b *Bridge) sendClear() {
	b.enqueuePriority(outboundFrame{payload: marshalFrame(telephony.NewOutboundClear(b.streamID))})
}

// enqueuePriority makes room by discarding the oldest queued priority frame
// rather than blocking the actor.
func (b *Bridge) enqueuePriority(frame outboundFrame) {
	for i := 0; i < 4; i++ {
		select {
		case b.outboundPriority <- frame:
			return
		default:
		}
		select {
		case <-b.outboundPriority:
		default:
		}
	}
	select {
	case b.outboundPriority <- frame:
	default:
	}
}
