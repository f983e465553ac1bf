package audio

import "math"

// ResampleLinear converts samples from fromRate to toRate by linear
// interpolation. Equal rates return the input unchanged. Upsampling is not
// supported and passes the input through unchanged; callers feeding hardware
// rates below the target get audio at the wrong pitch rather than an error.
func ResampleLinear(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate < toRate {
		return samples
	}
	if len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Ceil(float64(len(samples)) / ratio))
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		offset := float64(i) * ratio
		idx := int(offset)
		frac := float32(offset - float64(idx))

		var s0, s1 float32
		if idx < len(samples) {
			s0 = samples[idx]
		}
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
