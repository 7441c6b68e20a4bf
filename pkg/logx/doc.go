// Package logx configures chatrelay's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON, one event per line
//   - an optional Telegram sink forwards warnings to the log group,
//     filtered by level and rate limited
package logx
