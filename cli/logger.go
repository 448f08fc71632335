package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// logrusAdapter bridges logrus onto the engine's Logger interface,
// turning variadic key/value pairs into structured fields.
type logrusAdapter struct {
	l *logrus.Logger
}

func newLogger() *logrusAdapter {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	switch viper.GetString("log.format") {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &logrusAdapter{l: l}
}

func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		f[key] = args[i+1]
	}
	if len(args)%2 != 0 {
		f["arg"] = args[len(args)-1]
	}
	return f
}

func (a *logrusAdapter) Debug(msg string, args ...any) { a.l.WithFields(fields(args)).Debug(msg) }
func (a *logrusAdapter) Info(msg string, args ...any)  { a.l.WithFields(fields(args)).Info(msg) }
func (a *logrusAdapter) Warn(msg string, args ...any)  { a.l.WithFields(fields(args)).Warn(msg) }
func (a *logrusAdapter) Error(msg string, args ...any) { a.l.WithFields(fields(args)).Error(msg) }
