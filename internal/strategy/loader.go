package strategy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// IsDefinitionFile reports whether path looks like a strategy definition.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFile decodes one YAML definition. source_file is resolved relative to the definition and
// the file id defaults to the file name.
func LoadFile(path string, defaultMaxNumKlines int) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read strategy file failed: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse strategy file %s failed: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(string(cfg.ID)) == "" {
		cfg.ID = ID(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	if cfg.SourceFile != "" && strings.TrimSpace(cfg.Source) == "" {
		src := cfg.SourceFile
		if !filepath.IsAbs(src) {
			src = filepath.Join(filepath.Dir(path), src)
		}
		code, err := os.ReadFile(src)
		if err != nil {
			return Config{}, fmt.Errorf("read strategy source %s failed: %w", cfg.SourceFile, err)
		}
		cfg.Source = string(code)
	}
	cfg.Normalize(defaultMaxNumKlines)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDir loads every definition in dir, sorted by id. Duplicate ids are an error.
func LoadDir(dir string, defaultMaxNumKlines int) ([]Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read strategy dir failed: %w", err)
	}
	seen := make(map[ID]string)
	var out []Config
	for _, e := range entries {
		if e.IsDir() || !IsDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		cfg, err := LoadFile(path, defaultMaxNumKlines)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[cfg.ID]; ok {
			return nil, fmt.Errorf("strategy id %s defined in both %s and %s", cfg.ID, prev, e.Name())
		}
		seen[cfg.ID] = e.Name()
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
