package workeragent

import "strings"

// accumulateProgressLine folds a single "key=value" line from ffmpeg's
// -progress pipe:1 stream into record. It reports whether the line completes
// a record (ffmpeg emits a "progress" key, value "continue" or "end", as the
// last field of every flushed group).
func accumulateProgressLine(line string, record map[string]string) bool {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return false
	}
	record[key] = value
	return key == "progress"
}
