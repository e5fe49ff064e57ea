package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/c360/nodemesh/errors"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  "NODEMESH",
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix of environment overrides. The prefix must
// be upper case letters, digits and underscores, as shells export them.
func (l *Loader) SetEnvPrefix(prefix string) error {
	if prefix == "" || strings.TrimFunc(prefix, func(r rune) bool {
		return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
	}) != "" {
		return errors.WrapInvalid(fmt.Errorf("env prefix %q", prefix), "Loader", "SetEnvPrefix", "prefix check")
	}
	l.envPrefix = strings.TrimSuffix(prefix, "_")
	return nil
}

// LoadFile loads configuration from a single file on top of the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every layer and the environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, format, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	return decodeConfigFile(data, format)
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if len(override) == 0 {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// maxEnvValue bounds the length of one override value
const maxEnvValue = 4096

// envOverrides maps the name after "<prefix>_" to the field it sets
var envOverrides = map[string]func(cfg *Config, val string) error{
	"NODE_ID":       setString(func(c *Config) *string { return &c.NodeID }),
	"PREFIX":        setString(func(c *Config) *string { return &c.Prefix }),
	"SERIALIZER":    setString(func(c *Config) *string { return &c.Serializer.Type }),
	"CIPHER_KEY":    setString(func(c *Config) *string { return &c.Serializer.Cipher.Key }),
	"CIPHER_IV":     setString(func(c *Config) *string { return &c.Serializer.Cipher.IV }),
	"TRANSPORTER":   setString(func(c *Config) *string { return &c.Transporter.Type }),
	"NATS_USERNAME": setString(func(c *Config) *string { return &c.Transporter.NATS.Username }),
	"NATS_PASSWORD": setString(func(c *Config) *string { return &c.Transporter.NATS.Password }),
	"NATS_TOKEN":    setString(func(c *Config) *string { return &c.Transporter.NATS.Token }),
	"NATS_URLS": func(c *Config, val string) error {
		c.Transporter.NATS.URLs = strings.Split(val, ",")
		return nil
	},
	"METRICS_PORT": func(c *Config, val string) error {
		port, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		c.Metrics.Port = port
		c.Metrics.Enabled = true
		return nil
	},
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, val string) error {
		*field(c) = val
		return nil
	}
}

// applyEnvOverrides sets every field whose <prefix>_<NAME> variable is set
// and not empty
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for name, set := range envOverrides {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if len(val) > maxEnvValue {
			return fmt.Errorf("%s is longer than %d bytes", key, maxEnvValue)
		}
		if strings.ContainsRune(val, 0) {
			return fmt.Errorf("%s contains a NUL byte", key)
		}
		if err := set(cfg, val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// UnknownEnv returns the variables in environ that carry the loader's prefix
// but name no override, so typos can be reported
func (l *Loader) UnknownEnv(environ []string) []string {
	var unknown []string
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		name, ok := strings.CutPrefix(key, l.envPrefix+"_")
		if !ok {
			continue
		}
		if _, known := envOverrides[name]; !known {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// SaveToFile writes the configuration as JSON or YAML by extension
func (c *Config) SaveToFile(path string) error {
	if err := writeConfigFile(path, c); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "write "+path)
	}
	return nil
}
