package ffmpeg

import "strings"

// ParseLogLevel extracts the log level from ffmpeg output.
// With -loglevel level+<lvl> ffmpeg writes lines like "[error] message"
// or "[rtsp @ 0x...] [warning] message" for component-specific logs.
// Returns the level and the message with level stripped but component preserved.
// Lines without a level are reported as info.
func ParseLogLevel(line string) (level, msg string) {
	if len(line) < 3 || line[0] != '[' {
		return "info", line
	}

	end := strings.Index(line, "] ")
	if end == -1 {
		return "info", line
	}

	if bracket := line[1:end]; isLogLevel(bracket) {
		return bracket, line[end+2:]
	}

	// [component @ 0x...] [level] message
	component, rest := line[:end+2], line[end+2:]
	if len(rest) > 2 && rest[0] == '[' {
		if next := strings.Index(rest, "] "); next != -1 && isLogLevel(rest[1:next]) {
			return rest[1:next], component + rest[next+2:]
		}
	}

	return "info", line
}

func isLogLevel(s string) bool {
	switch s {
	case "quiet", "panic", "fatal", "error", "warning", "info", "verbose", "debug", "trace":
		return true
	}
	return false
}
