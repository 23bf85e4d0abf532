package common

import (
	"io"
	"os"
	"strings"

	"github.com/labstack/gommon/log"
	"github.com/samber/do/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logHeader = `{"time":"${time_rfc3339}","level":"${level}","prefix":"${prefix}","file":"${short_file}","line":"${line}"}`

type LoggerService struct {
	Logger *log.Logger

	rotate *lumberjack.Logger
}

func NewLoggerService(i do.Injector) (*LoggerService, error) {
	level := do.MustInvokeNamed[string](i, "log-level")
	file := do.MustInvokeNamed[string](i, "log-file")

	return NewLogger("janken", level, file), nil
}

// NewLogger writes to stderr, or to a rotated file when file is set.
func NewLogger(prefix, level, file string) *LoggerService {
	logger := log.New(prefix)
	logger.SetHeader(logHeader)
	logger.SetLevel(ParseLevel(level))

	result := &LoggerService{Logger: logger}

	var out io.Writer = os.Stderr

	if file != "" {
		result.rotate = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, //nolint:mnd
			MaxBackups: 5,   //nolint:mnd
			MaxAge:     28,  //nolint:mnd
			Compress:   true,
		}
		out = result.rotate
	}

	logger.SetOutput(out)

	return result
}

func ParseLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}

// Discard is a logger for tests and library callers that do not care.
func Discard() *log.Logger {
	logger := log.New("-")
	logger.SetOutput(io.Discard)

	return logger
}

func (s *LoggerService) Shutdown() error {
	if s.rotate == nil {
		return nil
	}

	//nolint:wrapcheck
	return s.rotate.Close()
}
