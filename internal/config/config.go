package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvConfigPath selects the config file.
	EnvConfigPath     = "BACKTESTD_CONFIG"
	envPrefix         = "BACKTESTD"
	DefaultConfigPath = "configs/config.yaml"
	includeKey        = "include"
)

// PathFromEnv returns $BACKTESTD_CONFIG or DefaultConfigPath.
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads path after its includes, later files overriding earlier ones, then applies
// BACKTESTD_<SECTION>_<KEY> environment overrides for any known key.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	l := &loader{v: viper.New(), keys: make(keySet), done: make(map[string]bool), active: make(map[string]bool)}
	if err := l.merge(abs); err != nil {
		return nil, err
	}
	l.applyEnv(os.LookupEnv)

	var cfg Config
	if err := l.v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(l.keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loader merges a file tree depth-first: includes first, the including file last. Each file
// is read once.
type loader struct {
	v      *viper.Viper
	keys   keySet
	done   map[string]bool
	active map[string]bool
}

func (l *loader) merge(path string) error {
	path = filepath.Clean(path)
	if l.active[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if l.done[path] {
		return nil
	}
	l.active[path] = true
	defer delete(l.active, path)

	settings, includes, err := readFile(path)
	if err != nil {
		return err
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := l.merge(inc); err != nil {
			return err
		}
	}
	if err := l.v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("merging config file failed (%s): %w", path, err)
	}
	markKeys("", settings, l.keys)
	l.done[path] = true
	return nil
}

func (l *loader) applyEnv(lookup func(string) (string, bool)) {
	for _, key := range knownKeys(reflect.TypeOf(Config{}), "") {
		name := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if val, ok := lookup(name); ok {
			l.v.Set(key, val)
			l.keys.mark(key)
		}
	}
}

// readFile returns the file's settings without the include list, and the include list.
func readFile(path string) (map[string]any, []string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	settings := v.AllSettings()
	raw, ok := settings[includeKey]
	delete(settings, includeKey)
	if !ok || raw == nil {
		return settings, nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("parsing include failed (%s): include must be a string array", path)
	}
	includes := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, nil, fmt.Errorf("parsing include failed (%s): include only supports strings", path)
		}
		if s = strings.TrimSpace(s); s != "" {
			includes = append(includes, s)
		}
	}
	return settings, includes, nil
}

// markKeys records every leaf path of a settings tree, e.g. "scheduler.worker_pool_size".
func markKeys(prefix string, node any, dest keySet) {
	m, ok := node.(map[string]any)
	if !ok {
		dest.mark(prefix)
		return
	}
	for k, v := range m {
		next := strings.ToLower(strings.TrimSpace(k))
		if next == "" {
			continue
		}
		if prefix != "" {
			next = prefix + "." + next
		}
		markKeys(next, v, dest)
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// knownKeys lists the dotted yaml paths of every leaf field in t.
func knownKeys(t reflect.Type, prefix string) []string {
	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct && f.Type != durationType {
			out = append(out, knownKeys(f.Type, key)...)
			continue
		}
		out = append(out, key)
	}
	return out
}
