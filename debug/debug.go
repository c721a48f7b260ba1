package debug

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

var (
	Debug bool

	level  = new(slog.LevelVar)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
)

func init() {
	debugEnv, exists := os.LookupEnv("PORTAL_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil && val {
			Enable()
		}
	}
}

// Logger returns the process logger. Its level follows Enable/Disable.
func Logger() *slog.Logger {
	return logger
}

func Printf(format string, v ...interface{}) {
	if Debug {
		logger.Debug(fmt.Sprintf(format, v...))
	}
}

func Enable() {
	Debug = true
	level.Set(slog.LevelDebug)
}

func Disable() {
	Debug = false
	level.Set(slog.LevelInfo)
}
