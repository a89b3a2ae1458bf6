package utils

// logger.go - структурированное логирование на базе zap.
//
// Logger оборачивает *zap.Logger, добавляя доменные конструкторы полей
// (Exchange, Symbol, PNL, ...) и глобальный логгер для пакетов, которым
// неудобно прокидывать *Logger через весь стек вызовов.

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig управляет форматом, уровнем и выводом логгера.
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal; по умолчанию info
	Format      string // json или text; по умолчанию json
	Development bool   // человекочитаемые стектрейсы, более дружелюбный вывод
	Output      string // путь к файлу; пусто - stderr
}

// Logger оборачивает zap.Logger и даёт доступ к SugaredLogger для
// форматных вызовов (Infof и т.п.).
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// InitLogger строит Logger из LogConfig. Никогда не паникует и не
// возвращает nil: невалидный уровень падает на info, недоступный
// Output падает на stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if cfg.Format == "text" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	writer := zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		if f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			writer = zapcore.AddSync(f)
		}
		// Недоступный путь - остаёмся на stderr, не паникуем.
	}

	core := zapcore.NewCore(encoder, writer, level)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	z := zap.New(core, opts...)
	return &Logger{Logger: z, sugar: z.Sugar()}
}

func parseLevel(s string) zapcore.Level {
	switch lower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// With возвращает a child logger с дополнительными полями.
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

func (l *Logger) WithComponent(name string) *Logger { return l.With(Component(name)) }
func (l *Logger) WithExchange(venue string) *Logger  { return l.With(Exchange(venue)) }
func (l *Logger) WithSymbol(symbol string) *Logger    { return l.With(Symbol(symbol)) }
func (l *Logger) WithPairID(id int) *Logger           { return l.With(PairID(id)) }

// Sugar возвращает the SugaredLogger for format-string style calls.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// ============================================================
// Глобальный логгер
// ============================================================

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// GetGlobalLogger возвращает текущий глобальный логгер, создавая logger
// по умолчанию (info/json/stderr) при первом обращении.
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// InitGlobalLogger строит a logger from cfg and installs it as the
// global logger, returning it.
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger replaces the global logger. Used by tests to redirect
// output into a buffer.
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// L is shorthand for GetGlobalLogger, matching zap's own L() convention.
func L() *Logger { return GetGlobalLogger() }

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { L().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { L().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { L().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { L().sugar.Errorf(format, args...) }

// ============================================================
// Доменные конструкторы полей
// ============================================================

func Exchange(venue string) zap.Field    { return zap.String("exchange", venue) }
func Symbol(symbol string) zap.Field     { return zap.String("symbol", symbol) }
func PairID(id int) zap.Field            { return zap.Int("pair_id", id) }
func OrderID(id string) zap.Field        { return zap.String("order_id", id) }
func Price(p float64) zap.Field          { return zap.Float64("price", p) }
func Volume(v float64) zap.Field         { return zap.Float64("volume", v) }
func Spread(pct float64) zap.Field       { return zap.Float64("spread", pct) }
func PNL(v float64) zap.Field            { return zap.Float64("pnl", v) }
func Side(side string) zap.Field         { return zap.String("side", side) }
func State(state string) zap.Field       { return zap.String("state", state) }
func Latency(ms float64) zap.Field       { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field      { return zap.String("request_id", id) }
func UserID(id int) zap.Field            { return zap.Int("user_id", id) }
func Component(name string) zap.Field    { return zap.String("component", name) }

// Переэкспорт часто используемых zap-конструкторов, чтобы вызывающий код
// не импортировал go.uber.org/zap напрямую ради пары полей.
func String(key, val string) zap.Field        { return zap.String(key, val) }
func Int(key string, val int) zap.Field       { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field   { return zap.Int64(key, val) }
func Float64(key string, val float64) zap.Field { return zap.Float64(key, val) }
func Bool(key string, val bool) zap.Field     { return zap.Bool(key, val) }
func Err(err error) zap.Field                 { return zap.Error(err) }
func Any(key string, val interface{}) zap.Field { return zap.Any(key, val) }

// fieldsToInterface flattens zap.Field values into alternating
// key/value pairs, for bridging into APIs (e.g. a sugared logger call)
// that expect a flat variadic list rather than typed fields.
func fieldsToInterface(fields []zap.Field) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		enc := zapcore.NewMapObjectEncoder()
		f.AddTo(enc)
		out = append(out, f.Key, enc.Fields[f.Key])
	}
	return out
}
