// Package log provides named, leveled module loggers used throughout the
// node core. It mirrors the teacher's log.NewModuleLogger(module) pattern
// (github.com/ground-x/klaytn/log) but is backed by go.uber.org/zap instead
// of log15, since zap is the logging dependency this module actually ships.
package log

import (
	"go.uber.org/zap"
)

// Module names, matching the teacher's log.Common/log.P2P-style constants.
const (
	Chain    = "chain"
	TxPool   = "txpool"
	Miner    = "miner"
	Peer     = "peer"
	P2P      = "p2p"
	Protocol = "protocol"
	Node     = "node"
	Ledger   = "ledger"
)

var base *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l.Sugar()
}

// Logger is the interface every subsystem logs through.
type Logger interface {
	Trace(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

type moduleLogger struct {
	module string
	sugar  *zap.SugaredLogger
}

// NewModuleLogger returns a Logger scoped to the given module name, attached
// as a structured field to every subsequent log line.
func NewModuleLogger(module string) Logger {
	return &moduleLogger{module: module, sugar: base.With("module", module)}
}

// SetBackend swaps the underlying zap logger; used by tests that want to
// assert on captured output or silence logging entirely.
func SetBackend(l *zap.Logger) {
	base = l.Sugar()
}

// zap has no Trace level; map it to Debug, matching common practice for
// loggers whose upstream vocabulary is richer than zap's.
func (m *moduleLogger) Trace(msg string, kv ...interface{}) { m.sugar.Debugw(msg, kv...) }
func (m *moduleLogger) Debug(msg string, kv ...interface{}) { m.sugar.Debugw(msg, kv...) }
func (m *moduleLogger) Info(msg string, kv ...interface{})  { m.sugar.Infow(msg, kv...) }
func (m *moduleLogger) Warn(msg string, kv ...interface{})  { m.sugar.Warnw(msg, kv...) }
func (m *moduleLogger) Error(msg string, kv ...interface{}) { m.sugar.Errorw(msg, kv...) }
