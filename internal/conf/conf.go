// Package conf contains the struct that holds the configuration of the software.
package conf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pttbox/pttbox/internal/conf/env"
	"github.com/pttbox/pttbox/internal/logger"
)

// Conf is a configuration.
// All fields can be overridden by environment variables whose name is
// the json tag, uppercased (HTTP_PORT, STUN_SERVER, ...).
type Conf struct {
	// General
	LogLevel         LogLevel `json:"log_level"`
	EnableFileLog    bool     `json:"enable_file_log"`
	LogDir           string   `json:"log_dir"`
	LogRetentionDays int      `json:"log_retention_days"`

	// HTTP / signaling
	HTTPPort  int    `json:"http_port"`
	ClientDir string `json:"client_dir"`

	// WebRTC
	STUNServer        string   `json:"stun_server"`
	OfferTimeout      Duration `json:"offer_timeout"`
	ICEGatherTimeout  Duration `json:"ice_gather_timeout"`
	ICERestartTimeout Duration `json:"ice_restart_timeout"`
	P2PCleanupGrace   Duration `json:"p2p_cleanup_grace"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// Floor
	PTTTimeout int `json:"ptt_timeout"` // milliseconds, 0 disables

	// Server audio
	MicDevice        string        `json:"mic_device"`
	SpeakerDeviceID  string        `json:"speaker_device_id"`
	UsePythonAudio   bool          `json:"use_python_audio"`
	EnableLocalAudio bool          `json:"enable_local_audio"`
	EnableServerMic  bool          `json:"enable_server_mic"`
	ServerMicMode    ServerMicMode `json:"server_mic_mode"`
	MicCommand       string        `json:"mic_command"`
	SpeakerCommand   string        `json:"speaker_command"`
	RecorderCommand  string        `json:"recorder_command"`

	// Recordings
	RecordingsDir     string `json:"recordings_dir"`
	RecordingsTempDir string `json:"recordings_temp_dir"`

	// Relay
	EnableRelay   bool   `json:"enable_relay"`
	RelayPort     string `json:"relay_port"`
	RelayBaudRate int    `json:"relay_baud_rate"`

	// Dashboard
	DashPassword string `json:"dash_password"`

	// Web Push
	VapidPublicKey  string `json:"vapid_public_key"`
	VapidPrivateKey string `json:"vapid_private_key"`
	VapidSubject    string `json:"vapid_subject"`
}

func (conf *Conf) setDefaults() {
	conf.LogLevel = LogLevel(logger.Info)
	conf.LogDir = "logs"
	conf.LogRetentionDays = 30

	conf.HTTPPort = 9320
	conf.ClientDir = "client"

	conf.STUNServer = "stun:stun.l.google.com:19302"
	conf.OfferTimeout = Duration(30 * time.Second)
	conf.ICEGatherTimeout = Duration(3 * time.Second)
	conf.ICERestartTimeout = Duration(5 * time.Second)
	conf.P2PCleanupGrace = Duration(15 * time.Second)
	conf.HeartbeatInterval = Duration(30 * time.Second)

	conf.ServerMicMode = ServerMicModePTT
	conf.MicCommand = "ffmpeg -hide_banner -loglevel error -f pulse -i $MIC_DEVICE" +
		" -ac 1 -ar 48000 -c:a libopus -b:a 32k -frame_duration 20 -page_duration 20000 -f ogg pipe:1"
	conf.SpeakerCommand = "ffplay -hide_banner -loglevel error -nodisp -autoexit -f ogg -i pipe:0"
	conf.RecorderCommand = "ffmpeg -hide_banner -loglevel error -f ogg -i pipe:0 -ar 44100 -ac 1 -y $OUTPUT"

	conf.RecordingsDir = "recordings"
	conf.RecordingsTempDir = "recordings_temp"

	conf.RelayBaudRate = 9600
}

func (conf *Conf) validate() error {
	if conf.HTTPPort <= 0 || conf.HTTPPort >= 65536 {
		return fmt.Errorf("invalid HTTP port: %d", conf.HTTPPort)
	}

	if conf.PTTTimeout < 0 {
		return fmt.Errorf("invalid PTT timeout: %d", conf.PTTTimeout)
	}

	if conf.EnableRelay && conf.RelayPort == "" {
		return fmt.Errorf("relay is enabled but no relay port is set")
	}

	if conf.EnableRelay && conf.RelayBaudRate <= 0 {
		return fmt.Errorf("invalid relay baud rate: %d", conf.RelayBaudRate)
	}

	if conf.LogRetentionDays < 0 {
		return fmt.Errorf("invalid log retention: %d", conf.LogRetentionDays)
	}

	return nil
}

// yaml.v2 unmarshals maps into map[interface{}]interface{},
// which json.Marshal rejects. Normalize keys to strings.
func convertKeys(i interface{}) interface{} {
	switch x := i.(type) {
	case map[interface{}]interface{}:
		m2 := make(map[string]interface{})
		for k, v := range x {
			m2[fmt.Sprintf("%v", k)] = convertKeys(v)
		}
		return m2

	case []interface{}:
		for i, v := range x {
			x[i] = convertKeys(v)
		}
	}
	return i
}

// The configuration file is YAML but fields are addressed by their json
// tag, so the content is routed through the JSON decoder.
func (conf *Conf) loadFromFile(fpath string) error {
	byts, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}

	var temp interface{}
	err = yaml.Unmarshal(byts, &temp)
	if err != nil {
		return err
	}

	byts, err = json.Marshal(convertKeys(temp))
	if err != nil {
		return err
	}

	d := json.NewDecoder(bytes.NewReader(byts))
	d.DisallowUnknownFields()
	err = d.Decode(conf)
	if err != nil {
		return err
	}

	return nil
}

// Load loads a Conf from defaults, an optional YAML file and environment
// variables, in that order. It returns whether the file was found.
func Load(fpath string) (*Conf, bool, error) {
	conf := &Conf{}
	conf.setDefaults()

	found := false
	if fpath != "" {
		if _, err := os.Stat(fpath); err == nil {
			found = true
			err = conf.loadFromFile(fpath)
			if err != nil {
				return nil, false, err
			}
		}
	}

	err := env.Load("", conf)
	if err != nil {
		return nil, false, err
	}

	err = conf.validate()
	if err != nil {
		return nil, false, err
	}

	return conf, found, nil
}
