package config

import (
	"fmt"
	"os"
	"sort"
)

// KeyInfo is one row of `topicimg config show`. Secret values are never
// included; Value reads "(set)" or "(unset)" for them.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	// FromEnv is true when the environment variable overrides the file.
	FromEnv bool
}

// ShowAll lists every key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		ki := KeyInfo{Key: s.key, EnvVar: s.env}
		_, ki.FromEnv = os.LookupEnv(s.env)
		v := s.extract(cfg)
		switch {
		case !s.secret:
			ki.Value = fmt.Sprintf("%v", v)
		case v != "":
			ki.Value = "(set)"
		default:
			ki.Value = "(unset)"
		}
		result = append(result, ki)
	}
	return result
}

// SetKey writes a config key to the file backend after checking it parses.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes key from the file backend so its default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key == key {
			if s.secret {
				return s, fmt.Errorf("%q is a secret; use environment variable %s", key, s.env)
			}
			return s, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("%w: value for %s: %v", ErrInvalid, key, err)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the sorted list of settable config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	sort.Strings(keys)
	return keys
}
