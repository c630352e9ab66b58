package log

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	JsonFormat = "json"
	TextFormat = "text"
)

// CreateFormatter create logrus formatter by string
func CreateFormatter(logFormat string) logrus.Formatter {
	var formatType logrus.Formatter
	switch strings.ToLower(logFormat) {
	case JsonFormat:
		formatType = &logrus.JSONFormatter{}
	case TextFormat:
		formatType = &logrus.TextFormatter{
			ForceColors:   checkForceLogColors(),
			FullTimestamp: true,
		}
	default:
		formatType = &logrus.TextFormatter{
			FullTimestamp: true,
		}
	}

	return formatType
}

// CreateLevel parses level, falling back to info for empty input.
func CreateLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q: %w", level, err)
	}
	return parsed, nil
}

// Setup configures the standard logger used by every binary.
func Setup(format, level string) error {
	parsed, err := CreateLevel(level)
	if err != nil {
		return err
	}
	logrus.SetFormatter(CreateFormatter(format))
	logrus.SetLevel(parsed)
	logrus.SetOutput(os.Stderr)
	return nil
}

func checkForceLogColors() bool {
	return strings.ToLower(os.Getenv("FORCE_LOG_COLORS")) == "1"
}
