// Logging setup for xbridge nodes. Every subsystem logs through a named
// module entry so order-level lines stay greppable across the maker,
// taker and facilitator roles of one process.

package logconfig

import (
	logger "github.com/sirupsen/logrus"
)

// Module returns the entry a subsystem logs through.
func Module(name string) *logger.Entry {
	return logger.WithField("mod", name)
}

// ConfigDebugLogger is the verbose terminal setup used while driving a
// node by hand.
func ConfigDebugLogger() {
	logger.SetLevel(logger.DebugLevel)
	logger.SetFormatter(&logger.TextFormatter{
		ForceColors:            true,
		FullTimestamp:          true,
		TimestampFormat:        "15:04:05.000",
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

// ConfigProductionLogger emits machine-readable lines for log shipping.
func ConfigProductionLogger() {
	logger.SetLevel(logger.InfoLevel)
	logger.SetFormatter(&logger.JSONFormatter{})
}
