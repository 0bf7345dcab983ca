// Package logging configures the shared logrus logger used by every binary.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a logger with the level taken from MEDIAFLOW_LOG_LEVEL
// (debug/info/warn/error, defaults to info).
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetLevel(parseLevel(os.Getenv("MEDIAFLOW_LOG_LEVEL")))
	return log
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// AsynqLogger adapts a logrus logger to asynq's Logger interface so queue
// internals log through the same sink as everything else.
type AsynqLogger struct {
	Log *logrus.Logger
}

func (l AsynqLogger) Debug(args ...interface{}) { l.Log.Debug(args...) }
func (l AsynqLogger) Info(args ...interface{})  { l.Log.Info(args...) }
func (l AsynqLogger) Warn(args ...interface{})  { l.Log.Warn(args...) }
func (l AsynqLogger) Error(args ...interface{}) { l.Log.Error(args...) }
func (l AsynqLogger) Fatal(args ...interface{}) { l.Log.Fatal(args...) }
