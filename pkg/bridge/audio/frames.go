package audio

// SplitFrames splits raw audio into ordered sub-chunks of at most maxBytes.
// The concatenation of the returned chunks equals the input; the final chunk
// carries the remainder. Chunks alias the input slice, they are not copied.
func SplitFrames(raw []byte, maxBytes int) [][]byte {
	if len(raw) == 0 {
		return nil
	}
	if maxBytes <= 0 || len(raw) <= maxBytes {
		return [][]byte{raw}
	}
	chunks := make([][]byte, 0, (len(raw)+maxBytes-1)/maxBytes)
	for start := 0; start < len(raw); start += maxBytes {
		end := start + maxBytes
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, raw[start:end])
	}
	return chunks
}

// SilencePadMulaw returns durationMS of µ-law silence at the given rate.
func SilencePadMulaw(durationMS, sampleRate int) []byte {
	n := samplesFor(durationMS, sampleRate)
	out := make([]byte, n)
	for i := range out {
		out[i] = MulawSilence
	}
	return out
}

// SilencePadPCM16 returns durationMS of zeroed little-endian PCM16 at the
// given rate.
func SilencePadPCM16(durationMS, sampleRate int) []byte {
	return make([]byte, samplesFor(durationMS, sampleRate)*2)
}

func samplesFor(durationMS, sampleRate int) int {
	if durationMS <= 0 || sampleRate <= 0 {
		return 0
	}
	return (sampleRate * durationMS) / 1000
}

// DurationMS reports how much wall-clock audio nBytes represents at the given
// rate. bytesPerSample is 1 for µ-law and 2 for PCM16. Diagnostic only; the
// relay never gates on it.
func DurationMS(nBytes, sampleRate, bytesPerSample int) int64 {
	if nBytes <= 0 || sampleRate <= 0 || bytesPerSample <= 0 {
		return 0
	}
	samples := int64(nBytes / bytesPerSample)
	return samples * 1000 / int64(sampleRate)
}

// BytesForDuration is the inverse of DurationMS: how many bytes carry
// durationMS of audio at the given rate.
func BytesForDuration(durationMS int64, sampleRate, bytesPerSample int) int64 {
	if durationMS <= 0 || sampleRate <= 0 || bytesPerSample <= 0 {
		return 0
	}
	return durationMS * int64(sampleRate) * int64(bytesPerSample) / 1000
}
