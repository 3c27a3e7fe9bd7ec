// Package logx configures crowdalert's structured logging.
//
// The package wraps zerolog behind a small value type (logx.Logger) so that:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - An optional relay sink forwards warn+ lines to an operator chat
//     (min-level + rate limiting)
package logx
