package audio

import "encoding/binary"

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// ScaleVolume scales little-endian 16-bit PCM in place by volume/100 using
// integer arithmetic (truncation toward zero).
func ScaleVolume(pcm []byte, volume uint8) {
	if volume >= 100 {
		return
	}
	vol := int32(volume)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(s*vol/100)))
	}
}

// Silence zero-fills pcm.
func Silence(pcm []byte) {
	for i := range pcm {
		pcm[i] = 0
	}
}

// MonoToStereo duplicates each sample into both channels of an interleaved frame.
func MonoToStereo(mono []int16) []int16 {
	stereo := make([]int16, 2*len(mono))
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return stereo
}
