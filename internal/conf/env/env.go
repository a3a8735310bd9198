// Package env contains a function to load configuration from environment.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// Unmarshaler can be implemented to override the unmarshaling process.
type Unmarshaler interface {
	UnmarshalEnv(key string, v string) error
}

// joinKey builds the environment key of a struct field. A configuration
// loaded with an empty prefix uses the bare field tag, uppercased, so keys
// like HTTP_PORT map directly onto a field tagged `json:"http_port"`.
func joinKey(prefix string, tag string) string {
	name := strings.ToUpper(strings.TrimSuffix(tag, ",omitempty"))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func loadEnvInternal(env map[string]string, key string, prv reflect.Value) error {
	if prv.Kind() != reflect.Pointer {
		return loadEnvInternal(env, key, prv.Addr())
	}

	rt := prv.Type().Elem()

	if i, ok := prv.Interface().(Unmarshaler); ok {
		if ev, ok := env[key]; ok {
			err := i.UnmarshalEnv(key, ev)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	}

	switch rt {
	case reflect.TypeOf(""):
		if ev, ok := env[key]; ok {
			prv.Elem().SetString(ev)
		}
		return nil

	case reflect.TypeOf(int(0)):
		if ev, ok := env[key]; ok {
			iv, err := strconv.ParseInt(ev, 10, 32)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			prv.Elem().SetInt(iv)
		}
		return nil

	case reflect.TypeOf(uint(0)):
		if ev, ok := env[key]; ok {
			iv, err := strconv.ParseUint(ev, 10, 32)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			prv.Elem().SetUint(iv)
		}
		return nil

	case reflect.TypeOf(bool(false)):
		if ev, ok := env[key]; ok {
			switch strings.ToLower(ev) {
			case "yes", "true", "1":
				prv.Elem().SetBool(true)

			case "no", "false", "0":
				prv.Elem().SetBool(false)

			default:
				return fmt.Errorf("%s: invalid value '%s'", key, ev)
			}
		}
		return nil
	}

	switch rt.Kind() {
	case reflect.Struct:
		flen := rt.NumField()
		for i := 0; i < flen; i++ {
			f := rt.Field(i)
			jsonTag := f.Tag.Get("json")

			// load only public fields
			if jsonTag == "-" || jsonTag == "" {
				continue
			}

			err := loadEnvInternal(env, joinKey(key, jsonTag), prv.Elem().Field(i))
			if err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice:
		if rt.Elem() == reflect.TypeOf("") {
			if ev, ok := env[key]; ok {
				if ev == "" {
					prv.Elem().Set(reflect.MakeSlice(rt, 0, 0))
				} else {
					prv.Elem().Set(reflect.ValueOf(strings.Split(ev, ",")))
				}
			}
			return nil
		}
	}

	return fmt.Errorf("unsupported type: %v", rt)
}

func loadWithEnv(env map[string]string, prefix string, v interface{}) error {
	return loadEnvInternal(env, prefix, reflect.ValueOf(v).Elem())
}

func envToMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		tmp := strings.SplitN(kv, "=", 2)
		env[tmp[0]] = tmp[1]
	}
	return env
}

// Load loads the configuration from the environment.
func Load(prefix string, v interface{}) error {
	return loadWithEnv(envToMap(), prefix, v)
}
