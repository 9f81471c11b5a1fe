package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level        string
	Format       string
	FilePath     string
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
	Output       io.Writer
	ReportCaller bool
}

type Logger struct {
	entry  *logrus.Entry
	closer io.Closer
}

func New(format string) *Logger {
	return NewWithOptions(Options{Format: format})
}

// NewWithOptions builds a logger. FilePath takes precedence over Output and
// is rotated by lumberjack.
func NewWithOptions(opts Options) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)
	base.SetReportCaller(opts.ReportCaller)

	if strings.ToLower(opts.Format) == "text" {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05Z07:00",
			DisableColors:   true,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "ts",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "msg",
			},
		})
	}

	l := &Logger{}
	switch {
	case opts.FilePath != "":
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    defaultInt(opts.MaxSizeMB, 100),
			MaxBackups: defaultInt(opts.MaxBackups, 5),
			MaxAge:     defaultInt(opts.MaxAgeDays, 30),
		}
		base.SetOutput(rotator)
		l.closer = rotator
	case opts.Output != nil:
		base.SetOutput(opts.Output)
	default:
		base.SetOutput(os.Stdout)
	}

	l.entry = logrus.NewEntry(base)
	return l
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.with(fields).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.with(fields).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.with(fields).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.with(fields).Error(msg)
}

// With returns a child logger that always carries fields.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{entry: l.with(fields)}
}

// Close releases the rotating file writer, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

type Field struct {
	Key   string
	Value interface{}
}

func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
