package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	logger     *zap.SugaredLogger
	loggerOnce sync.Once
	mu         sync.RWMutex
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger installs a console logger on stderr until Init is called.
func initLogger() {
	loggerOnce.Do(func() {
		l, err := build("console")
		if err != nil {
			l = zap.NewNop()
		}
		logger = l.Sugar()
	})
}

// Init rebuilds the global logger. format is "json" or "console";
// anything else falls back to json.
func Init(lvl Level, format string) error {
	initLogger()
	SetLevel(lvl)

	l, err := build(format)
	if err != nil {
		return err
	}

	mu.Lock()
	old := logger
	logger = l.Sugar()
	mu.Unlock()

	_ = old.Sync()
	return nil
}

func build(format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "json"
	if strings.EqualFold(format, "console") {
		cfg.Encoding = "console"
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build(zap.AddCallerSkip(1))
}

// SetLevel changes the minimum level. Unknown values select info.
func SetLevel(l Level) {
	if err := level.UnmarshalText([]byte(l)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	_ = current().Sync()
}

func current() *zap.SugaredLogger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, kv ...any) {
	current().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	current().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	current().Warnw(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	current().Errorw(msg, extended...)
}

// RedactURL keeps only scheme and host of a feed URL so group ids and
// tokens in the query never reach the logs.
//
//	https://schedule.kse.ua/uk/index/ical?id_grp=1,2 -> https://schedule.kse.ua/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "url://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}
