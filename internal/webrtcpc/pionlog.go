package webrtcpc

import (
	"github.com/pion/logging"

	"github.com/pttbox/pttbox/internal/logger"
)

// loggerFactory routes pion's internal logs into logger.Writer.
type loggerFactory struct {
	writer logger.Writer
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{writer: f.writer, scope: scope}
}

type leveledLogger struct {
	writer logger.Writer
	scope  string
}

func (l *leveledLogger) Trace(msg string) {
	l.writer.Log(logger.Debug, "[%s] %s", l.scope, msg)
}

func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.writer.Log(logger.Debug, "[%s] "+format, append([]interface{}{l.scope}, args...)...)
}

func (l *leveledLogger) Debug(msg string) {
	l.writer.Log(logger.Debug, "[%s] %s", l.scope, msg)
}

func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.writer.Log(logger.Debug, "[%s] "+format, append([]interface{}{l.scope}, args...)...)
}

func (l *leveledLogger) Info(msg string) {
	l.writer.Log(logger.Debug, "[%s] %s", l.scope, msg)
}

func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.writer.Log(logger.Debug, "[%s] "+format, append([]interface{}{l.scope}, args...)...)
}

func (l *leveledLogger) Warn(msg string) {
	l.writer.Log(logger.Warn, "[%s] %s", l.scope, msg)
}

func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.writer.Log(logger.Warn, "[%s] "+format, append([]interface{}{l.scope}, args...)...)
}

func (l *leveledLogger) Error(msg string) {
	l.writer.Log(logger.Error, "[%s] %s", l.scope, msg)
}

func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.writer.Log(logger.Error, "[%s] "+format, append([]interface{}{l.scope}, args...)...)
}
