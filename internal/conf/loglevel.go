package conf

import (
	"encoding/json"
	"fmt"

	"github.com/pttbox/pttbox/internal/logger"
)

// LogLevel is the logLevel parameter.
type LogLevel logger.Level

func (d *LogLevel) unmarshalInternal(in string) error {
	switch in {
	case "error":
		*d = LogLevel(logger.Error)

	case "warn":
		*d = LogLevel(logger.Warn)

	case "info":
		*d = LogLevel(logger.Info)

	case "debug":
		*d = LogLevel(logger.Debug)

	default:
		return fmt.Errorf("invalid log level: '%s'", in)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *LogLevel) UnmarshalJSON(b []byte) error {
	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	return d.unmarshalInternal(in)
}

// MarshalJSON implements json.Marshaler.
func (d LogLevel) MarshalJSON() ([]byte, error) {
	var out string

	switch logger.Level(d) {
	case logger.Error:
		out = "error"

	case logger.Warn:
		out = "warn"

	case logger.Info:
		out = "info"

	default:
		out = "debug"
	}

	return json.Marshal(out)
}

// UnmarshalEnv implements env.Unmarshaler.
func (d *LogLevel) UnmarshalEnv(_ string, v string) error {
	return d.unmarshalInternal(v)
}
