package webrtc

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/dep2p/go-webnode/pkg/lib/log"
)

// loggerFactory 将 pion 的分级日志桥接到 slog
//
// pion 的 trace 级别并入 debug。
type loggerFactory struct{}

var _ logging.LoggerFactory = loggerFactory{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: log.Logger("pion/" + scope)}
}

type pionLogger struct {
	l *log.LazyLogger
}

func (p *pionLogger) Trace(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Debug(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debug(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Info(msg string)                           { p.l.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Info(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warn(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Error(msg string)                          { p.l.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Error(fmt.Sprintf(format, args...)) }
