package audio

import (
	"bytes"
	"math"
	"testing"
)

func pcm16FromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func samplesFromPCM16(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}
	return out
}

func sineTone(freqHz float64, sampleRate, n int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return out
}

func zeroCrossings(samples []int16) int {
	count := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			count++
		}
	}
	return count
}

func TestMulawDecodeEncodeStable(t *testing.T) {
	// Companding is lossy, but a decoded sample must re-encode to a byte that
	// decodes to the identical value (the codec is stable after one pass).
	for b := 0; b < 256; b++ {
		decoded := MulawDecodeSample(byte(b))
		reencoded := MulawEncodeSample(decoded)
		if got := MulawDecodeSample(reencoded); got != decoded {
			t.Fatalf("byte 0x%02X: decode=%d re-decode=%d", b, decoded, got)
		}
	}
}

func TestMulawRoundTripErrorBound(t *testing.T) {
	// Largest µ-law quantization interval is 2^(7+3) = 1024.
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32635, -32635} {
		back := MulawDecodeSample(MulawEncodeSample(s))
		diff := int32(s) - int32(back)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1024 {
			t.Fatalf("sample %d round-tripped to %d (error %d)", s, back, diff)
		}
	}
}

func TestMulawEncodeMonotonic(t *testing.T) {
	prev := MulawDecodeSample(MulawEncodeSample(-32000))
	for s := int32(-32000); s <= 32000; s += 97 {
		cur := MulawDecodeSample(MulawEncodeSample(int16(s)))
		if cur < prev {
			t.Fatalf("decoded values not monotonic at input %d: %d < %d", s, cur, prev)
		}
		prev = cur
	}
}

func TestMulawToPCM16Silence(t *testing.T) {
	pcm := MulawToPCM16([]byte{MulawSilence, MulawSilence})
	for _, s := range samplesFromPCM16(pcm) {
		if s != 0 {
			t.Fatalf("µ-law silence decoded to %d, want 0", s)
		}
	}
}

func TestResampleRoundTripPreservesTone(t *testing.T) {
	const (
		freq      = 440.0
		rate      = 8000
		n         = 800 // 100ms
		amplitude = 8000
	)
	orig := sineTone(freq, rate, n, amplitude)
	up := Upsample8to16(pcm16FromSamples(orig))
	if len(up) != len(orig)*4 {
		t.Fatalf("upsample length = %d, want %d", len(up), len(orig)*4)
	}
	down := samplesFromPCM16(Downsample16to8(up))
	if len(down) != n {
		t.Fatalf("round-trip length = %d, want %d", len(down), n)
	}

	// Linear interpolation smooths by at most a quarter of the inter-sample
	// delta; for this tone that is well under 1200 counts.
	for i, s := range down {
		diff := int32(s) - int32(orig[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > 1200 {
			t.Fatalf("sample %d: round-trip %d vs original %d", i, s, orig[i])
		}
	}

	// Frequency is preserved: zero-crossing counts match within edge effects.
	origZC := zeroCrossings(orig)
	downZC := zeroCrossings(down)
	if delta := origZC - downZC; delta < -2 || delta > 2 {
		t.Fatalf("zero crossings: original %d, round-trip %d", origZC, downZC)
	}
}

func TestUpsampleInterpolatesMidpoints(t *testing.T) {
	in := pcm16FromSamples([]int16{0, 100})
	out := samplesFromPCM16(Upsample8to16(in))
	want := []int16{0, 50, 100, 100}
	if len(out) != len(want) {
		t.Fatalf("length = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestDownsampleAveragesPairs(t *testing.T) {
	in := pcm16FromSamples([]int16{0, 100, 200, 300, 400})
	out := samplesFromPCM16(Downsample16to8(in))
	want := []int16{50, 250, 400}
	if len(out) != len(want) {
		t.Fatalf("length = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestSplitFramesConcatEqualsInput(t *testing.T) {
	raw := make([]byte, 3173)
	for i := range raw {
		raw[i] = byte(i * 31)
	}
	for _, maxBytes := range []int{1, 7, 160, 1600, 3172, 3173, 5000} {
		chunks := SplitFrames(raw, maxBytes)
		var joined []byte
		for i, c := range chunks {
			if len(c) == 0 {
				t.Fatalf("maxBytes=%d: empty chunk %d", maxBytes, i)
			}
			if len(c) > maxBytes && maxBytes > 0 {
				t.Fatalf("maxBytes=%d: chunk %d has %d bytes", maxBytes, i, len(c))
			}
			joined = append(joined, c...)
		}
		if !bytes.Equal(joined, raw) {
			t.Fatalf("maxBytes=%d: concatenation differs from input", maxBytes)
		}
	}
	if got := SplitFrames(nil, 160); got != nil {
		t.Fatalf("SplitFrames(nil) = %v, want nil", got)
	}
}

func TestSilencePads(t *testing.T) {
	mu := SilencePadMulaw(300, 8000)
	if len(mu) != 2400 {
		t.Fatalf("µ-law pad length = %d, want 2400", len(mu))
	}
	for _, b := range mu {
		if b != MulawSilence {
			t.Fatalf("µ-law pad byte 0x%02X", b)
		}
	}
	pcm := SilencePadPCM16(300, 16000)
	if len(pcm) != 9600 {
		t.Fatalf("pcm pad length = %d, want 9600", len(pcm))
	}
}

func TestDurationMS(t *testing.T) {
	if got := DurationMS(160, 8000, 1); got != 20 {
		t.Fatalf("µ-law 160B at 8kHz = %dms, want 20", got)
	}
	if got := DurationMS(640, 16000, 2); got != 20 {
		t.Fatalf("pcm 640B at 16kHz = %dms, want 20", got)
	}
	if got := BytesForDuration(400, 8000, 1); got != 3200 {
		t.Fatalf("400ms at 8kHz µ-law = %dB, want 3200", got)
	}
}
