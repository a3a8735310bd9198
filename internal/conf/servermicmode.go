package conf

import (
	"encoding/json"
	"fmt"
)

// ServerMicMode controls when the server microphone is fanned out.
type ServerMicMode string

// Server microphone modes.
const (
	// ServerMicModeAlways forwards microphone audio whenever it flows.
	ServerMicModeAlways ServerMicMode = "always"

	// ServerMicModePTT forwards microphone audio only while the server
	// or an external device holds the floor.
	ServerMicModePTT ServerMicMode = "ptt"
)

func (m *ServerMicMode) unmarshalInternal(in string) error {
	switch ServerMicMode(in) {
	case ServerMicModeAlways, ServerMicModePTT:
		*m = ServerMicMode(in)
		return nil
	}
	return fmt.Errorf("invalid server mic mode: '%s'", in)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ServerMicMode) UnmarshalJSON(b []byte) error {
	var in string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	return m.unmarshalInternal(in)
}

// UnmarshalEnv implements env.Unmarshaler.
func (m *ServerMicMode) UnmarshalEnv(_ string, v string) error {
	return m.unmarshalInternal(v)
}
