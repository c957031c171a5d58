// Package logger is the process-wide structured logger.
//
// Entries are JSON (ISO-8601 time, lowercase level) written by zap. An
// optional file sink is rotated by lumberjack. Key/value pairs are passed
// the same way everywhere:
//
//	logger.Info("queue item sent", "item_id", id, "provider", name)
//
// PII redaction is on by default.
package logger

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures Init.
type Options struct {
	Level      string // debug, info, warn, error
	File       string // optional rotated file sink
	Console    bool   // also write to stderr when File is set
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	RedactPII  *bool
}

var (
	mu        sync.RWMutex
	base      = newCore(zapcore.AddSync(os.Stderr), zap.InfoLevel)
	redactPII = true
)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:      "time",
	LevelKey:     "level",
	MessageKey:   "msg",
	CallerKey:    "caller",
	EncodeTime:   zapcore.ISO8601TimeEncoder,
	EncodeLevel:  zapcore.LowercaseLevelEncoder,
	EncodeCaller: zapcore.ShortCallerEncoder,
}

func newCore(ws zapcore.WriteSyncer, lvl zapcore.Level) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), ws, lvl)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
}

// Init installs the process-wide logger.
func Init(opts Options) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(defaultString(opts.Level, "info")))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", opts.Level, err)
	}

	var sinks []zapcore.WriteSyncer
	if opts.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 50),
			MaxBackups: defaultInt(opts.MaxBackups, 7),
			MaxAge:     defaultInt(opts.MaxAgeDays, 14),
			Compress:   true,
		}))
	}
	if opts.File == "" || opts.Console {
		sinks = append(sinks, zapcore.AddSync(os.Stderr))
	}

	l := newCore(zapcore.NewMultiWriteSyncer(sinks...), lvl)

	mu.Lock()
	base = l
	if opts.RedactPII != nil {
		redactPII = *opts.RedactPII
	}
	mu.Unlock()
	zap.ReplaceGlobals(l)
	return nil
}

// SetOutput routes entries to ws. Used by tests.
func SetOutput(ws zapcore.WriteSyncer, lvl zapcore.Level) {
	mu.Lock()
	base = newCore(ws, lvl)
	mu.Unlock()
}

// SetRedactPII enables or disables PII redaction.
func SetRedactPII(r bool) {
	mu.Lock()
	redactPII = r
	mu.Unlock()
}

// Sync flushes buffered entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}

// Debug emits a debug entry.
func Debug(msg string, kv ...interface{}) { log(zapcore.DebugLevel, msg, kv) }

// Info emits an info entry.
func Info(msg string, kv ...interface{}) { log(zapcore.InfoLevel, msg, kv) }

// Warn emits a warn entry.
func Warn(msg string, kv ...interface{}) { log(zapcore.WarnLevel, msg, kv) }

// Error emits an error entry.
func Error(msg string, kv ...interface{}) { log(zapcore.ErrorLevel, msg, kv) }

// Degraded emits a warn entry tagged degraded=true.
func Degraded(msg string, kv ...interface{}) {
	log(zapcore.WarnLevel, msg, append([]interface{}{"degraded", true}, kv...))
}

func log(lvl zapcore.Level, msg string, kv []interface{}) {
	mu.RLock()
	l, redact := base, redactPII
	mu.RUnlock()

	ce := l.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(fields(kv, redact)...)
}

func fields(kv []interface{}, redact bool) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		switch v := kv[i+1].(type) {
		case error:
			out = append(out, zap.String(key, maybeRedact(key, v.Error(), redact)))
		case string:
			out = append(out, zap.String(key, maybeRedact(key, v, redact)))
		case fmt.Stringer:
			out = append(out, zap.String(key, maybeRedact(key, v.String(), redact)))
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	if len(kv)%2 == 1 {
		out = append(out, zap.Any("!BADKEY", kv[len(kv)-1]))
	}
	return out
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func maybeRedact(key, val string, redact bool) string {
	if !redact {
		return val
	}
	k := strings.ToLower(key)
	if strings.Contains(val, "@") && !strings.ContainsAny(val, " ,;") &&
		(strings.Contains(k, "email") || strings.Contains(k, "recipient") || strings.Contains(k, "subscriber")) {
		return RedactEmail(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}

func defaultString(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

func defaultInt(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
