package groupcomm

import (
	"io"
	stdlog "log"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// raftLogger adapts a zap.Logger to the hclog.Logger interface the raft
// library requires, so the raft backend logs through the same pipeline as the
// rest of the node.
type raftLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

func newRaftLogger(zl *zap.Logger) *raftLogger {
	initial := zap.InfoLevel
	if zl.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &raftLogger{logger: zl, level: zap.NewAtomicLevelAt(initial)}
}

func (z *raftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.write(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		z.write(zap.WarnLevel, msg, args...)
	case hclog.Error:
		z.write(zap.ErrorLevel, msg, args...)
	default:
		z.write(zap.InfoLevel, msg, args...)
	}
}

func (z *raftLogger) Trace(msg string, args ...interface{}) { z.write(zap.DebugLevel, msg, args...) }
func (z *raftLogger) Debug(msg string, args ...interface{}) { z.write(zap.DebugLevel, msg, args...) }
func (z *raftLogger) Info(msg string, args ...interface{})  { z.write(zap.InfoLevel, msg, args...) }
func (z *raftLogger) Warn(msg string, args ...interface{})  { z.write(zap.WarnLevel, msg, args...) }
func (z *raftLogger) Error(msg string, args ...interface{}) { z.write(zap.ErrorLevel, msg, args...) }

func (z *raftLogger) write(level zapcore.Level, msg string, args ...interface{}) {
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(argsToZapFields(args)...)
	}
}

func (z *raftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *raftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *raftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *raftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *raftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *raftLogger) With(args ...interface{}) hclog.Logger {
	return &raftLogger{logger: z.logger.With(argsToZapFields(args)...), name: z.name, level: z.level}
}

func (z *raftLogger) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &raftLogger{logger: z.logger.Named(name), name: full, level: z.level}
}

func (z *raftLogger) ResetNamed(name string) hclog.Logger {
	return &raftLogger{logger: z.logger.Named(name), name: name, level: z.level}
}

func (z *raftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.Info
	}
}

func (z *raftLogger) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		z.level.SetLevel(zap.WarnLevel)
	case hclog.Error:
		z.level.SetLevel(zap.ErrorLevel)
	default:
		z.level.SetLevel(zap.InfoLevel)
	}
}

func (z *raftLogger) ImpliedArgs() []interface{} { return nil }
func (z *raftLogger) Name() string               { return z.name }

func (z *raftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *stdlog.Logger {
	return stdlog.New(z.StandardWriter(opts), "", 0)
}

func (z *raftLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &raftLogWriter{z: z}
}

type raftLogWriter struct{ z *raftLogger }

func (w *raftLogWriter) Write(p []byte) (int, error) {
	w.z.write(zap.InfoLevel, string(p))
	return len(p), nil
}

func argsToZapFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "arg"
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
