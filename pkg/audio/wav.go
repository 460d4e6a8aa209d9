package audio

// wavHeaderSize is the size of the canonical RIFF/WAVE header block some
// remote payloads prepend to otherwise raw PCM.
const wavHeaderSize = 44

// TrimWAVHeader strips the fixed 44-byte WAV container header from b when
// one is present and returns the remaining PCM bytes. Payloads without the
// RIFF/WAVE magic are returned unchanged. The returned slice aliases b.
//
// Downstream resampling assumes headerless PCM; transports call this on
// every received payload so a service switching between raw and
// WAV-wrapped audio needs no special handling.
func TrimWAVHeader(b []byte) []byte {
	if len(b) < wavHeaderSize {
		return b
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return b
	}
	return b[wavHeaderSize:]
}
