// Package options holds the administrator-set plugin options and the
// trusted-host policy derived from them.
package options

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmcleod/davkeeper/credstore"
)

// Option keys.
const (
	KeyLockOnOpen       = "webdav.lock_on_open"
	KeyEnforcedURL      = "webdav.enforced_url"
	KeyAutosaveInterval = "webdav.autosave_interval"
	KeyHideConnectorTab = "webdav.hide_connector_tab"
)

// Default values for keys that have one.
const (
	DefaultLockOnOpen       = "on"
	DefaultAutosaveInterval = "5"
)

var (
	// ErrUnknownKey is returned when setting a key outside the known set.
	ErrUnknownKey = errors.New("unknown option")
	// ErrInvalidValue is returned for values that fail validation.
	ErrInvalidValue = errors.New("invalid option value")
)

var known = map[string]bool{
	KeyLockOnOpen:       true,
	KeyEnforcedURL:      true,
	KeyAutosaveInterval: true,
	KeyHideConnectorTab: true,
}

// Store persists option values. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value of key, or def when it has never been set.
	Get(key, def string) string
	// Set stores value under key.
	Set(key, value string) error
	// SetMany stores every pair atomically.
	SetMany(values map[string]string) error
	// All returns a copy of every stored pair.
	All() map[string]string
}

// Settings is the JSON view of the options served to the editor.
type Settings struct {
	LockOnOpen       string `json:"lock_on_open"`
	EnforcedServer   string `json:"enforced_webdav_server"`
	AutosaveInterval string `json:"webdav_autosave_interval"`
	HideConnectorTab string `json:"hide_connector_tab"`
}

// Load reads the current settings, applying defaults.
func Load(s Store) Settings {
	return Settings{
		LockOnOpen:       s.Get(KeyLockOnOpen, DefaultLockOnOpen),
		EnforcedServer:   s.Get(KeyEnforcedURL, ""),
		AutosaveInterval: s.Get(KeyAutosaveInterval, DefaultAutosaveInterval),
		HideConnectorTab: s.Get(KeyHideConnectorTab, ""),
	}
}

// Save validates st and stores it in one step.
func Save(s Store, st Settings) error {
	values := map[string]string{
		KeyLockOnOpen:       st.LockOnOpen,
		KeyEnforcedURL:      strings.TrimSpace(st.EnforcedServer),
		KeyAutosaveInterval: strings.TrimSpace(st.AutosaveInterval),
		KeyHideConnectorTab: st.HideConnectorTab,
	}
	if values[KeyAutosaveInterval] == "" {
		values[KeyAutosaveInterval] = DefaultAutosaveInterval
	}
	for k, v := range values {
		if err := Validate(k, v); err != nil {
			return err
		}
	}
	return s.SetMany(values)
}

// Validate checks value against the rules for key.
func Validate(key, value string) error {
	if !known[key] {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	switch key {
	case KeyAutosaveInterval:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %s must be a non-negative number of seconds", ErrInvalidValue, key)
		}
	case KeyEnforcedURL:
		if value == "" {
			return nil
		}
		if _, err := credstore.ServerIDFromURL(value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
	}
	return nil
}

// LockingEnabled reports, on each call, whether documents are locked
// when opened.
func LockingEnabled(s Store) func() bool {
	return func() bool {
		return s.Get(KeyLockOnOpen, DefaultLockOnOpen) == DefaultLockOnOpen
	}
}
