package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap returns a zap logger whose output lands in this logger's buffer, so code
// written against zap shares the same sink.
func (l *Logger) Zap() *zap.Logger {
	return zap.New(&bufferCore{LevelEnabler: zapcore.DebugLevel, logger: l})
}

// bufferCore is a zapcore.Core writing into a Logger
type bufferCore struct {
	zapcore.LevelEnabler
	logger *Logger
	fields []zapcore.Field
}

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &bufferCore{LevelEnabler: c.LevelEnabler, logger: c.logger, fields: merged}
}

func (c *bufferCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bufferCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	var attached error

	all := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	all = append(all, c.fields...)
	all = append(all, fields...)

	for _, f := range all {
		if f.Type == zapcore.ErrorType && attached == nil {
			if err, ok := f.Interface.(error); ok {
				attached = err
				continue
			}
		}
		f.AddTo(enc)
	}

	var data map[string]interface{}
	if len(enc.Fields) > 0 {
		data = enc.Fields
	}

	c.logger.log(fromZapLevel(ent.Level), ent.Message, data, attached)
	return nil
}

func (c *bufferCore) Sync() error {
	return nil
}

func fromZapLevel(level zapcore.Level) Level {
	switch {
	case level <= zapcore.DebugLevel:
		return DebugLevel
	case level == zapcore.InfoLevel:
		return InfoLevel
	case level == zapcore.WarnLevel:
		return WarnLevel
	default:
		return ErrorLevel
	}
}
