package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Format identifies the on-disk serialization of the config file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

const (
	// EnvConfigPath overrides the config file location when set.
	EnvConfigPath = "SPG_CONFIG_PATH"
	// DefaultConfigBasename is the filename searched for upward from the
	// working directory when no explicit path is given.
	DefaultConfigBasename = "config.yaml"
)

// writeLock serialises save operations so the temp file and backup are
// never interleaved between concurrent writers in the same process.
var writeLock sync.Mutex

// ParseFormat normalises a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yaml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", configErrorf("unsupported format: %s", s)
	}
}

// ResolvePath resolves the config file path. An explicit path wins; then the
// SPG_CONFIG_PATH environment variable; then the first config.yaml found
// walking upward from the working directory; finally <cwd>/config.yaml.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	cwd, err := os.Getwd()
	if err != nil {
		return DefaultConfigBasename
	}
	if found := findConfigUpwards(cwd, DefaultConfigBasename); found != "" {
		return found
	}
	return filepath.Join(cwd, DefaultConfigBasename)
}

func findConfigUpwards(start, basename string) string {
	current := start
	for {
		candidate := filepath.Join(current, basename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// DetectFormat inspects the first non-whitespace byte: '{' or '[' means
// JSON, anything else (including an empty file) means YAML.
func DetectFormat(text string) Format {
	trimmed := strings.TrimLeftFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if trimmed == "" {
		return FormatYAML
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return FormatJSON
	}
	return FormatYAML
}

func readRawText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadRaw returns the config file content byte-for-byte together with its
// detected format. A non-existent file reads as empty YAML.
func ReadRaw(path string) (string, Format, error) {
	content, err := readRawText(path)
	if err != nil {
		return "", FormatYAML, err
	}
	return content, DetectFormat(content), nil
}

// Load reads, parses, and validates the config file at path. A missing file
// yields the default configuration. Parse errors and schema violations both
// surface as *ConfigError.
func Load(path string) (*SystemConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	raw, err := readRawText(path)
	if err != nil {
		return nil, err
	}
	return parse(raw, DetectFormat(raw))
}

// parse unmarshals text per format, fills defaults, and validates. Empty
// input parses as an empty document and therefore as the default config.
func parse(text string, format Format) (*SystemConfig, error) {
	cfg := &SystemConfig{}
	switch format {
	case FormatJSON:
		payload := strings.TrimSpace(text)
		if payload == "" {
			payload = "{}"
		}
		if err := json.Unmarshal([]byte(payload), cfg); err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
	default:
		if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode serialises a SystemConfig. YAML keeps the declared field order and
// 2-space indentation; JSON uses 2-space indentation. With minimal set,
// fields whose rendered value equals the default are left out.
func Encode(cfg *SystemConfig, format Format, minimal bool) ([]byte, error) {
	if minimal {
		return encodeMinimal(cfg, format)
	}
	if format == FormatJSON {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save serialises cfg to path. When format is empty the format of the
// existing file is kept (YAML for new files). The write is atomic and the
// previous content is preserved as <path>.bak.
func Save(cfg *SystemConfig, path string, format Format, minimal bool) error {
	if format == "" {
		existing, err := readRawText(path)
		if err != nil {
			return err
		}
		format = DetectFormat(existing)
	}
	data, err := Encode(cfg, format, minimal)
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// ValidateRaw parses and validates a raw config blob without writing it.
func ValidateRaw(content string, format Format) (*SystemConfig, error) {
	normalized, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	return parse(content, normalized)
}

// SaveRaw validates a raw config blob and then writes the exact bytes
// supplied, preserving comments and layout. This is the round-trip path
// used by the admin UI.
func SaveRaw(content string, format Format, path string) (*SystemConfig, error) {
	cfg, err := ValidateRaw(content, format)
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(path, []byte(content)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// atomicWrite implements the save protocol: ensure the parent directory,
// back up the current file to <path>.bak, write a sibling temp file, fsync,
// and rename over the target. The target is never partially written.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	writeLock.Lock()
	defer writeLock.Unlock()

	if existing, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", existing, 0o644); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmpName, path)
	}
	if werr != nil {
		os.Remove(tmpName)
		return werr
	}
	return nil
}
