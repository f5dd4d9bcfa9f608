package audio

// PCM conversion for the media path. Browser capture arrives as 48 kHz
// Opus-decoded PCM, sometimes stereo; the segmenter scores speech at 16 kHz
// mono, and synthesized replies come back at whatever rate the TTS provider
// produced and must be brought to the 48 kHz playout rate. Everything here
// operates on little-endian int16 samples.

func sample16(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample16(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// StereoToMono down-mixes interleaved stereo PCM by averaging each L+R pair.
// The average is computed in int32 and clamped to the int16 range. Trailing
// bytes that do not form a whole stereo frame are dropped.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		left := int32(sample16(pcm, i*2))
		right := int32(sample16(pcm, i*2+1))
		mixed := (left + right) / 2
		if mixed > 32767 {
			mixed = 32767
		} else if mixed < -32768 {
			mixed = -32768
		}
		putSample16(out, i, int16(mixed))
	}
	return out
}

// ResampleMono16 converts mono PCM from srcRate to dstRate by linear
// interpolation between neighbouring samples. The input is returned
// unchanged when the rates already match, either rate is non-positive, or
// there is less than one sample of data.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample16(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample16(pcm, idx+1)
		}
		putSample16(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}
