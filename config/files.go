package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileFormat is the encoding of a config file, chosen by its extension
type fileFormat int

const (
	formatJSON fileFormat = iota
	formatYAML
)

// configExtensions are the file extensions a node config may carry
var configExtensions = map[string]fileFormat{
	".json": formatJSON,
	".yaml": formatYAML,
	".yml":  formatYAML,
}

const (
	maxConfigBytes = 1 << 20 // a node config is a few hundred bytes
	maxNesting     = 32
)

func formatOf(path string) (fileFormat, error) {
	ext := strings.ToLower(filepath.Ext(path))
	format, ok := configExtensions[ext]
	if !ok {
		return 0, fmt.Errorf("unsupported config file %q: want .json, .yaml or .yml", path)
	}
	return format, nil
}

// readConfigFile reads a regular file of at most maxConfigBytes and reports
// its format
func readConfigFile(path string) ([]byte, fileFormat, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("config %s is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxConfigBytes+1))
	if err != nil {
		return nil, 0, err
	}
	if len(data) > maxConfigBytes {
		return nil, 0, fmt.Errorf("config %s is larger than %d bytes", path, maxConfigBytes)
	}
	return data, format, nil
}

// decodeConfigFile parses data into a generic map
func decodeConfigFile(data []byte, format fileFormat) (map[string]any, error) {
	raw := map[string]any{}
	if format == formatYAML {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
		return raw, nil
	}

	if err := checkNesting(data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	return raw, nil
}

// checkNesting walks the JSON tokens of data and fails past maxNesting
// levels of objects and arrays
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if stderrors.Is(err, io.EOF) {
			if depth != 0 {
				return fmt.Errorf("JSON ends inside %d open values", depth)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse JSON: %w", err)
		}

		switch tok {
		case json.Delim('{'), json.Delim('['):
			if depth++; depth > maxNesting {
				return fmt.Errorf("JSON nested deeper than %d levels", maxNesting)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

// writeConfigFile encodes c in the format named by path's extension. The
// file is private to the owner: it can hold cipher keys and NATS
// credentials.
func writeConfigFile(path string, c *Config) error {
	format, err := formatOf(path)
	if err != nil {
		return err
	}

	var data []byte
	if format == formatYAML {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
