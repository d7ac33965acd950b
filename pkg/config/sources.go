package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix recognized on environment variable overrides.
const EnvPrefix = "LANSCOUT_"

// Source priorities. LoadWithSources loads sources in ascending priority
// order, so higher values override lower ones.
const (
	PriorityDefaults = 0
	PriorityFile     = 10
	PriorityEnv      = 20
	PriorityFlags    = 30
	PriorityOverride = 40
)

// ConfigSource is a single configuration layer that merges itself into a
// koanf instance.
type ConfigSource interface {
	// Name identifies the source in error messages.
	Name() string
	// Priority orders the source relative to others (lower loads first).
	Priority() int
	// Load merges the source's values into k.
	Load(k *koanf.Koanf) error
}

// DefaultSources returns the standard source chain: hardcoded defaults,
// an optional YAML config file, LANSCOUT_* environment variables, then
// command-line flags. When debug is true a final override forces
// log.level to debug.
func DefaultSources(configFilePath string, flags *pflag.FlagSet, debug bool) []ConfigSource {
	sources := []ConfigSource{
		defaultsSource{},
		envSource{prefix: EnvPrefix},
	}
	if configFilePath != "" {
		sources = append(sources, fileSource{path: configFilePath})
	}
	if flags != nil {
		sources = append(sources, flagSource{flags: flags})
	}
	if debug {
		sources = append(sources, NewOverrideSource("debug-flag", PriorityOverride, map[string]any{
			"log.level": "debug",
		}))
	}
	return sources
}

// defaultsSource seeds the instance with DefaultConfigAsMap.
type defaultsSource struct{}

func (defaultsSource) Name() string  { return "defaults" }
func (defaultsSource) Priority() int { return PriorityDefaults }

func (defaultsSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil)
}

// fileSource loads a YAML config file. A missing or unreadable file is an
// error; DefaultSources only adds a fileSource when a path was explicitly
// given.
type fileSource struct {
	path string
}

func (s fileSource) Name() string  { return "file:" + s.path }
func (s fileSource) Priority() int { return PriorityFile }

func (s fileSource) Load(k *koanf.Koanf) error {
	return k.Load(file.Provider(s.path), yaml.Parser())
}

// envSource maps LANSCOUT_* environment variables onto config keys by
// trimming the prefix, lowercasing, and turning underscores into dots:
//
//	LANSCOUT_LOG_LEVEL              -> log.level
//	LANSCOUT_DISCOVERY_SSDP_ENABLED -> discovery.ssdp.enabled
type envSource struct {
	prefix string
}

func (s envSource) Name() string  { return "env" }
func (s envSource) Priority() int { return PriorityEnv }

func (s envSource) Load(k *koanf.Koanf) error {
	return k.Load(env.Provider(s.prefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, s.prefix)), "_", ".")
	}), nil)
}

// flagSource merges explicitly-set pflag values. Flags left at their default
// do not clobber keys already present in the instance.
type flagSource struct {
	flags *pflag.FlagSet
}

func (s flagSource) Name() string  { return "flags" }
func (s flagSource) Priority() int { return PriorityFlags }

func (s flagSource) Load(k *koanf.Koanf) error {
	return k.Load(posflag.Provider(s.flags, ".", k), nil)
}

// overrideSource applies fixed key/value pairs, typically last in the chain.
type overrideSource struct {
	name     string
	priority int
	values   map[string]any
}

// NewOverrideSource returns a source that merges the given dotted-key values
// at the given priority.
func NewOverrideSource(name string, priority int, values map[string]any) ConfigSource {
	return &overrideSource{name: name, priority: priority, values: values}
}

func (s *overrideSource) Name() string  { return s.name }
func (s *overrideSource) Priority() int { return s.priority }

func (s *overrideSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(s.values, "."), nil)
}
