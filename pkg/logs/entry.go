package logs

import (
	"strings"
	"time"
)

// Stream identifies which side of the container's output a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Level is the heuristic severity of a log line.
type Level string

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Entry is one classified log line.
type Entry struct {
	ContainerName string `json:"container_name"`

	// Timestamp is milliseconds since epoch, taken from the engine's
	// timestamp prefix when present, else the local wall clock.
	Timestamp int64  `json:"timestamp"`
	Stream    Stream `json:"stream"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
	Raw       string `json:"raw"`
}

// classify derives a severity from message content. Case-insensitive
// substring checks in priority order: error beats warn beats debug.
func classify(message string) Level {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "fatal"):
		return LevelError
	case strings.Contains(lower, "warn"):
		return LevelWarn
	case strings.Contains(lower, "debug"), strings.Contains(lower, "trace"):
		return LevelDebug
	}
	return LevelInfo
}

// splitTimestamp strips a leading RFC3339 engine timestamp
// ("2024-01-02T03:04:05.123456789Z message") and returns it in epoch
// milliseconds. Lines without one get the current wall clock.
func splitTimestamp(line string, now func() time.Time) (int64, string) {
	if idx := strings.IndexByte(line, ' '); idx > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, line[:idx]); err == nil {
			return ts.UnixMilli(), line[idx+1:]
		}
	}
	return now().UnixMilli(), line
}

// newEntry builds a classified entry from one demuxed line.
func newEntry(containerName string, stream Stream, line string, now func() time.Time) Entry {
	timestamp, message := splitTimestamp(line, now)
	return Entry{
		ContainerName: containerName,
		Timestamp:     timestamp,
		Stream:        stream,
		Level:         classify(message),
		Message:       message,
		Raw:           line,
	}
}
