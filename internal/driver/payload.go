package driver

import "strings"

// payloadMarker introduces machine-readable data inside an agent report.
// Everything after the marker on its line, plus any following lines, is the
// payload; the narration keeps only what precedes it.
const payloadMarker = "DEBUG_RESULTS:"

// ExtractPayload splits an agent report into human narration and the optional
// structured payload.
func ExtractPayload(report string) (narration, payload string) {
	idx := strings.Index(report, payloadMarker)
	if idx < 0 {
		return strings.TrimSpace(report), ""
	}
	narration = strings.TrimSpace(report[:idx])
	payload = strings.TrimSpace(report[idx+len(payloadMarker):])
	return narration, payload
}
