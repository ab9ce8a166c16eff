package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Settings is a named limiter shape.
type Settings struct {
	MaxRequests int
	Window      time.Duration
}

var presets = map[string]Settings{
	"default":   {MaxRequests: 60, Window: 60 * time.Second},
	"execution": {MaxRequests: 10, Window: 60 * time.Second},
	"register":  {MaxRequests: 5, Window: time.Hour},
	"login":     {MaxRequests: 10, Window: 60 * time.Second},
}

// PresetNames lists the built-in limiter names.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetSettings returns the built-in shape for name.
func PresetSettings(name string) (Settings, bool) {
	s, ok := presets[name]
	return s, ok
}

// Preset builds a limiter from a built-in shape.
func Preset(name string) (*Limiter, error) {
	s, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("ratelimit: unknown preset %q", name)
	}
	return New(Config{Name: name, MaxRequests: s.MaxRequests, Window: s.Window})
}

// Default admits 60 requests per minute.
func Default() *Limiter {
	return mustPreset("default")
}

// Strict admits 10 requests per minute; used for execution creation.
func Strict() *Limiter {
	return mustPreset("execution")
}

func mustPreset(name string) *Limiter {
	l, err := Preset(name)
	if err != nil {
		panic(err)
	}
	return l
}
