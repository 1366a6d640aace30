// Package logging provides structured logging for the Crestron bridge.
//
// It wraps log/slog with JSON output by default, text output on request,
// level filtering and default service and version fields on every entry.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log secrets, tokens or passwords.
package logging
