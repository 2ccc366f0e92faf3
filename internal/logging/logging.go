// Package logging builds the zap logger shared by every caresync component.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, format and an optional rotating log file.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // auto, console or json
	File   string `mapstructure:"file"`   // empty disables file output

	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// DefaultConfig logs info and above, in console format on a terminal and
// JSON otherwise.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "auto",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Logger is a zap logger whose level can change at runtime.
type Logger struct {
	*zap.Logger
	level   zap.AtomicLevel
	rotator *lumberjack.Logger
}

// New builds a logger writing to console (os.Stderr when nil) and, when
// cfg.File is set, to a size-rotated JSON file.
func New(cfg Config, console io.Writer) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if console == nil {
		console = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	format := cfg.Format
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := console.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "console"
		}
	}

	var consoleEnc zapcore.Encoder
	switch format {
	case "console":
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	case "json":
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	l := &Logger{level: zap.NewAtomicLevelAt(level)}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, zapcore.Lock(zapcore.AddSync(console)), l.level)}

	if cfg.File != "" {
		l.rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(l.rotator), l.level))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return l, nil
}

// SetLevel changes the level of every sink.
func (l *Logger) SetLevel(level string) error {
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}
	if parsed != l.level.Level() {
		l.level.SetLevel(parsed)
		l.Info("log level changed", zap.Stringer("level", parsed))
	}
	return nil
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
