// Package logx configures taskpilot's structured logging.
//
// Components take a logx.Logger (a thin wrapper over zerolog) and tag it with a
// "comp" field. Console output stays human readable with a short caller; the
// optional file sink is JSON. Limited wraps a Logger for lines that would
// otherwise repeat on every scheduler tick.
package logx
