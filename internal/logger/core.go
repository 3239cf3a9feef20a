package logger

import (
	"go.uber.org/zap/zapcore"
)

// DBCore is a zap Core that tees every entry to the async Mongo writer
// while still writing to the wrapped console core.
type DBCore struct {
	zapcore.Core
	writer *DBLogWriter
}

func NewDBCore(baseCore zapcore.Core, writer *DBLogWriter) zapcore.Core {
	return &DBCore{
		Core:   baseCore,
		writer: writer,
	}
}

func (c *DBCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.writer.AddLog(LogEntry{
		Level:   entry.Level,
		Message: entry.Message,
		Caller:  entry.Caller.Function,
	})

	return c.Core.Write(entry, fields)
}

func (c *DBCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}
