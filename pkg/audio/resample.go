// Package audio implements the PCM processing primitives of the bridge
// pipeline: fixed-factor sample-rate conversion between the telephony and
// remote-service rates, frame accumulation for paced emission, and WAV
// container handling.
//
// All functions operate on 16-bit signed little-endian mono PCM. Buffers are
// treated as immutable inputs; conversions allocate fresh output slices except
// in the documented degenerate cases.
package audio

import "math"

// Sample rates handled by the pipeline. Conversions are fixed-factor only:
// ClientRate↔RemoteInputRate (×2) and RemoteOutputRate→ClientRate (÷3).
const (
	// ClientRate is the telephony-side sample rate in Hz.
	ClientRate = 8000

	// RemoteInputRate is the sample rate the remote service expects for
	// uplink audio, in Hz.
	RemoteInputRate = 16000

	// RemoteOutputRate is the nominal sample rate of remote downlink audio,
	// in Hz.
	RemoteOutputRate = 24000
)

// Frame sizes and cadences for the two pacing directions.
const (
	// UplinkFrameSize is the uplink frame size in bytes: 100 ms of 16 kHz
	// mono PCM16.
	UplinkFrameSize = 3200

	// DownlinkFrameSize is the downlink frame size in bytes: 20 ms of 8 kHz
	// mono PCM16.
	DownlinkFrameSize = 320
)

// Upsample2x converts 8 kHz mono PCM16 to 16 kHz by factor-2 linear
// interpolation. Each adjacent sample pair (s0, s1) produces two output
// samples: s0 itself and the rounded midpoint between s0 and s1. The final
// input sample has no successor and is repeated flat into both of its output
// slots, so the output always holds exactly twice the input sample count.
//
// Empty input returns an empty slice. Input shorter than two complete samples
// is returned unchanged (nothing to interpolate). A dangling odd byte is
// ignored when counting samples.
func Upsample2x(pcm []byte) []byte {
	if len(pcm) == 0 {
		return pcm
	}
	samples := len(pcm) / 2
	if samples < 2 {
		return pcm
	}

	out := make([]byte, samples*4)
	for i := range samples {
		s0 := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		var s1 int16
		if i+1 < samples {
			s1 = int16(pcm[(i+1)*2]) | int16(pcm[(i+1)*2+1])<<8
		} else {
			s1 = s0 // flat extrapolation for the last sample
		}

		for j := range 2 {
			v := math.Round(float64(s0) + (float64(s1)-float64(s0))*float64(j)/2)
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			sample := int16(v)
			k := (i*2 + j) * 2
			out[k] = byte(sample)
			out[k+1] = byte(sample >> 8)
		}
	}
	return out
}

// Downsample3x converts 24 kHz mono PCM16 to 8 kHz by decimation: every
// third sample is kept starting at index 0, the other two of each triplet
// and any trailing partial group are discarded. The output holds
// floor(inputSamples/3) samples.
//
// No anti-aliasing filter is applied before decimation; frequencies above
// 4 kHz alias into the output. That is an accepted trade-off for telephony
// speech, not something this function attempts to correct.
//
// Empty input returns an empty slice. Input shorter than three complete
// samples is returned unchanged.
func Downsample3x(pcm []byte) []byte {
	if len(pcm) == 0 {
		return pcm
	}
	samples := len(pcm) / 2
	if samples < 3 {
		return pcm
	}

	outSamples := samples / 3
	out := make([]byte, outSamples*2)
	for i := range outSamples {
		src := i * 3 * 2
		out[i*2] = pcm[src]
		out[i*2+1] = pcm[src+1]
	}
	return out
}
