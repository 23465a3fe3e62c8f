package logconfig

import (
	"strings"

	myLogger "github.com/sirupsen/logrus"
)

// This output format is used in the test (has terminal).
func ConfigDebugLogger() {
	myLogger.SetReportCaller(true)
	myLogger.SetLevel(myLogger.DebugLevel)
	myLogger.SetFormatter(&myLogger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

func ConfigInfoLogger() {
	myLogger.SetReportCaller(false)
	myLogger.SetLevel(myLogger.InfoLevel)
	myLogger.SetFormatter(&myLogger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

// This output format is used in production.
// Several workers usually ship to the same collector, so lines are JSON.
func ConfigProductionLogger() {
	myLogger.SetReportCaller(false)
	myLogger.SetLevel(myLogger.InfoLevel)
	myLogger.SetFormatter(&myLogger.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
}

// ConfigFromLevel picks the format from a level name ("debug", "info", "production").
// Any other logrus level name keeps the production format at that level.
func ConfigFromLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "production":
		ConfigProductionLogger()
		return nil
	case "debug":
		ConfigDebugLogger()
		return nil
	case "info":
		ConfigInfoLogger()
		return nil
	}

	lvl, err := myLogger.ParseLevel(level)
	if err != nil {
		return err
	}
	ConfigProductionLogger()
	myLogger.SetLevel(lvl)
	return nil
}
