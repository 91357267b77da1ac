package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPCM is returned when an encoded fragment does not decode into
// whole int16 samples.
var ErrMalformedPCM = errors.New("audio: malformed pcm16 data")

// FloatToPCM16 converts normalised float samples into little-endian int16 PCM.
// Each sample is clamped to [-1, 1] before scaling, so out-of-range input
// saturates instead of wrapping.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ClampSample(s)))
	}
	return out
}

// ClampSample scales a single float sample to int16 after clamping it to the
// [-1, 1] range. NaN maps to silence.
func ClampSample(s float32) int16 {
	if s != s {
		return 0
	}
	v := math.Max(-1, math.Min(1, float64(s)))
	return int16(v * 0x7FFF)
}

// PCM16ToFloat is the inverse of [FloatToPCM16]; it normalises by 32768 so
// that the most negative sample maps to exactly -1.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// EncodePCM16 returns the base64 text form used by the realtime protocol.
func EncodePCM16(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodePCM16 decodes a base64 audio fragment into raw PCM16 bytes. An empty
// payload, invalid base64, or an odd byte count is reported as an error.
func DecodePCM16(encoded string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPCM, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty fragment", ErrMalformedPCM)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedPCM, len(pcm))
	}
	return pcm, nil
}
