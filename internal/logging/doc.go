// Package logging wires log/slog with per-module levels.
//
// Initialize once at startup, then ask for a module logger:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{"stream": "debug"},
//	})
//	logger := logging.GetLogger("stream")
//	logger.Info("Stream created", "key", key)
//
// Loggers obtained before Initialize are cached and pick up the configured
// level afterwards, because each module level lives in a slog.LevelVar.
//
// Records go to stdout (text or json) and, when journald is reachable, to the
// systemd journal under the identifier "camfeed":
//
//	journalctl -t camfeed MODULE=stream
//	journalctl -t camfeed KEY=1/2/primary -f
package logging
