package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates a configuration with env > file > default precedence.
// YAML documents use kebab-case keys; internal fields are lowerCamelCase, and
// the loader accepts both spellings on ingress.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a loader over the given files, applying environment
// overrides under envPrefix last.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration, applies defaults, and
// validates it.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read file %s: %w", path, err)
		}
		doc, err := parserFor(path).Unmarshal(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse file %s: %w", path, err)
		}
		if err := k.Load(confmap.Provider(normalizeKeys(doc), "."), nil); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"engine.cache.valkey.keyprefix":  "engine.cache.valkey.keyPrefix",
			"engine.cache.valkey.tls.cafile": "engine.cache.valkey.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (ENGINE__LOGGING__LEVEL
			// -> engine.logging.level).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is the single-document convenience used by tests and the CLI.
func LoadFile(ctx context.Context, path string) (Config, error) {
	return NewLoader("", path).Load(ctx)
}

// parserFor selects the document parser by file extension. YAML is the
// default.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return yaml.Parser()
	}
}

// normalizeKeys rewrites kebab-case YAML keys into the canonical camelCase
// spelling, recursively through nested maps and lists.
func normalizeKeys(value any) map[string]any {
	out, _ := normalizeValue(value).(map[string]any)
	return out
}

func normalizeValue(value any) any {
	switch t := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for key, v := range t {
			// Inline dataset rows are user data; their field names pass
			// through verbatim.
			if key == "data" {
				out[key] = v
				continue
			}
			out[camelKey(key)] = normalizeValue(v)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = normalizeValue(v)
		}
		return out
	default:
		return value
	}
}

// camelKey converts rule-groups to ruleGroups; keys without dashes pass
// through untouched.
func camelKey(key string) string {
	if !strings.Contains(key, "-") {
		return key
	}
	parts := strings.Split(key, "-")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"engine": map[string]any{
			"logging": map[string]any{
				"level":  cfg.Engine.Logging.Level,
				"format": cfg.Engine.Logging.Format,
			},
		},
	}
}
