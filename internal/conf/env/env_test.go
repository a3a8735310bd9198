package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type myDuration time.Duration

// UnmarshalEnv implements Unmarshaler.
func (d *myDuration) UnmarshalEnv(_ string, v string) error {
	tmp, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*d = myDuration(tmp)
	return nil
}

type subStruct struct {
	Token string `json:"token"`
}

type testStruct struct {
	HTTPPort     int        `json:"http_port"`
	STUNServer   string     `json:"stun_server"`
	EnableRelay  bool       `json:"enable_relay"`
	OfferTimeout myDuration `json:"offer_timeout"`
	Servers      []string   `json:"servers"`
	Dash         subStruct  `json:"dash"`
	Skipped      string     `json:"-"`
}

func TestLoad(t *testing.T) {
	env := map[string]string{
		"HTTP_PORT":     "9320",
		"STUN_SERVER":   "stun:stun.l.google.com:19302",
		"ENABLE_RELAY":  "yes",
		"OFFER_TIMEOUT": "30s",
		"SERVERS":       "a,b,c",
		"DASH_TOKEN":    "x",
	}

	var s testStruct
	err := loadWithEnv(env, "", &s)
	require.NoError(t, err)

	require.Equal(t, testStruct{
		HTTPPort:     9320,
		STUNServer:   "stun:stun.l.google.com:19302",
		EnableRelay:  true,
		OfferTimeout: myDuration(30 * time.Second),
		Servers:      []string{"a", "b", "c"},
		Dash:         subStruct{Token: "x"},
	}, s)
}

func TestLoadInvalid(t *testing.T) {
	var s testStruct

	err := loadWithEnv(map[string]string{"HTTP_PORT": "not-a-number"}, "", &s)
	require.Error(t, err)

	err = loadWithEnv(map[string]string{"ENABLE_RELAY": "maybe"}, "", &s)
	require.Error(t, err)
}
