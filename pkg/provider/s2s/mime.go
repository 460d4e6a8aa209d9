package s2s

import (
	"strconv"
	"strings"
)

// RateFromMIME extracts the sample rate from an audio MIME type of the form
// "audio/pcm;rate=24000". Parameter order and surrounding whitespace are
// tolerated. When no parseable rate parameter is present, fallback is
// returned.
func RateFromMIME(mimeType string, fallback int) int {
	for _, param := range strings.Split(mimeType, ";") {
		param = strings.TrimSpace(param)
		val, ok := strings.CutPrefix(param, "rate=")
		if !ok {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || rate <= 0 {
			continue
		}
		return rate
	}
	return fallback
}

// PCMMIME builds the MIME type declaring raw PCM at the given sample rate,
// the tag both transport variants use for uplink frames.
func PCMMIME(sampleRateHz int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRateHz)
}
