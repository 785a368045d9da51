package serialmux

import "strings"

const (
	LineTypeResponse = "response"
	LineTypeReset    = "reset_ack"
	LineTypeLog      = "log"
	LineTypeUnknown  = "unknown"
)

// ClassifyLine inspects a line from the UWB module and returns a line type
// token. Only responses feed the ranging pipeline; log lines are the
// firmware's own diagnostics.
func ClassifyLine(line string) string {
	switch {
	case strings.HasPrefix(line, "RESP,"):
		return LineTypeResponse
	case strings.HasPrefix(line, "RACK,"):
		return LineTypeReset
	case strings.HasPrefix(line, "#"), strings.HasPrefix(line, "LOG,"):
		return LineTypeLog
	}
	return LineTypeUnknown
}
