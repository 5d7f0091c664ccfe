// Package audio holds the stateless codec and framing helpers used by the
// bridge's relay path: G.711 µ-law companding, 8k/16k resampling, frame
// splitting, and silence padding. Everything here is a pure function over
// byte slices; callers may use it from any goroutine.
//
// Resampling is linear interpolation / adjacent-sample averaging, not a
// proper windowed-sinc filter. That is acceptable for voice-band telephony
// audio and keeps the hot path allocation-light; do not reuse these for
// music or wideband content.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635

	// MulawSilence is the µ-law encoding of a zero sample.
	MulawSilence = 0xFF
)

var mulawDecodeTable = buildMulawDecodeTable()

func buildMulawDecodeTable() [256]int16 {
	var table [256]int16
	for i := 0; i < 256; i++ {
		b := ^byte(i)
		sign := b & 0x80
		exp := (b >> 4) & 0x07
		mant := b & 0x0F
		v := ((int32(mant) << 3) + mulawBias) << exp
		v -= mulawBias
		if sign != 0 {
			v = -v
		}
		table[i] = int16(v)
	}
	return table
}

// MulawDecodeSample expands one µ-law byte to a linear 16-bit sample.
func MulawDecodeSample(b byte) int16 {
	return mulawDecodeTable[b]
}

// MulawEncodeSample compands one linear 16-bit sample to a µ-law byte.
func MulawEncodeSample(s int16) byte {
	v := int32(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias
	exp := byte(7)
	for mask := int32(0x4000); mask != 0 && v&mask == 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (exp + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// MulawToPCM16 expands µ-law bytes to little-endian 16-bit linear PCM.
func MulawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMulaw compands little-endian 16-bit linear PCM to µ-law bytes.
// A trailing odd byte is dropped.
func PCM16ToMulaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(in[i*2]) | int16(in[i*2+1])<<8
		out[i] = MulawEncodeSample(s)
	}
	return out
}

// Upsample8to16 doubles the sample rate of little-endian PCM16 by inserting
// the midpoint between each pair of adjacent samples. The last sample is
// repeated to keep the 2x length exact.
func Upsample8to16(in []byte) []byte {
	n := len(in) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		cur := int32(int16(in[i*2]) | int16(in[i*2+1])<<8)
		next := cur
		if i+1 < n {
			next = int32(int16(in[(i+1)*2]) | int16(in[(i+1)*2+1])<<8)
		}
		mid := int16((cur + next) / 2)
		out[i*4] = byte(cur)
		out[i*4+1] = byte(cur >> 8)
		out[i*4+2] = byte(mid)
		out[i*4+3] = byte(mid >> 8)
	}
	return out
}

// Downsample16to8 halves the sample rate of little-endian PCM16 by averaging
// each pair of adjacent samples. A trailing unpaired sample is passed through.
func Downsample16to8(in []byte) []byte {
	n := len(in) / 2
	if n == 0 {
		return nil
	}
	outSamples := (n + 1) / 2
	out := make([]byte, outSamples*2)
	for i := 0; i < outSamples; i++ {
		a := int32(int16(in[i*4]) | int16(in[i*4+1])<<8)
		v := a
		if i*2+1 < n {
			b := int32(int16(in[i*4+2]) | int16(in[i*4+3])<<8)
			v = (a + b) / 2
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
