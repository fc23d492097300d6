// Package config is the Integration Configuration loader (SPEC_FULL.md
// §6): environment variables prefixed OCEAN__, with nested keys joined by
// __, are decoded into a caller-supplied typed struct and validated with
// go-playground/validator. An environment variable under the OCEAN__
// prefix that doesn't map to one of the struct's declared fields fails
// loading instead of being silently ignored.
//
// No direct teacher equivalent: the reconciler takes its configuration
// from YAML files and CLI flags (pkg/file), not environment variables.
// This package is grounded directly on SPEC_FULL.md §6's description of
// the binding (spf13/viper's AutomaticEnv + SetEnvKeyReplacer), with
// spf13/viper already present as a teacher dependency.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/port-labs/ocean-core/pkg/ocerr"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix every configuration key is
// read under.
const EnvPrefix = "OCEAN"

// Redactor is implemented by a config struct that carries sensitive
// fields (API tokens, webhook secrets) it doesn't want logged verbatim.
// Describe calls Redacted instead of formatting the value directly, so a
// loaded configuration can be logged through Describe's result.
type Redactor interface {
	Redacted() string
}

// Describe returns cfg's safe-to-log representation: its own Redacted()
// string if it implements Redactor, or just its type name otherwise, so a
// config struct that forgets to implement Redactor fails closed instead of
// leaking field values through a default %+v format.
func Describe(cfg interface{}) string {
	if r, ok := cfg.(Redactor); ok {
		return r.Redacted()
	}
	return fmt.Sprintf("%T", cfg)
}

// Load reads environment variables under EnvPrefix into out (a pointer to
// a struct), rejecting any OCEAN__-prefixed variable that doesn't map to
// one of out's declared fields, then validates the result against out's
// `validate` struct tags. Every error Load returns is an *ocerr.Error of
// kind ConfigError; a caller driving startup should treat it as fatal
// (spec.md §7, SPEC_FULL.md §6: exit 3).
func Load(out interface{}) error {
	declared, err := declaredKeys(out)
	if err != nil {
		return ocerr.New(ocerr.ConfigError, "config.Load", err)
	}
	if err := rejectUnknownEnv(declared); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("__", "."))
	v.AutomaticEnv()
	for _, key := range declared {
		_ = v.BindEnv(key, envName(key))
	}

	if err := v.Unmarshal(out); err != nil {
		return ocerr.New(ocerr.ConfigError, "config.Load", fmt.Errorf("decoding environment into %T: %w", out, err))
	}

	if err := validator.New().Struct(out); err != nil {
		return ocerr.New(ocerr.ConfigError, "config.Load", fmt.Errorf("validating %T: %w", out, err))
	}
	return nil
}

// declaredKeys flattens out's struct fields into dotted, lowercase key
// paths ("portal.token", "resync.intervalseconds"), the same shape viper
// uses internally for nested keys.
func declaredKeys(out interface{}) ([]string, error) {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("config.Load: out must be a pointer to a struct, got %T", out)
	}
	var keys []string
	collectKeys(v.Elem().Type(), "", &keys)
	return keys, nil
}

var timeType = reflect.TypeOf(time.Time{})

func collectKeys(t reflect.Type, prefix string, out *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		name := fieldKeyName(f)
		if name == "-" {
			continue
		}
		full := name
		if prefix != "" {
			full = prefix + "." + name
		}

		ft := f.Type
		for ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && ft != timeType {
			collectKeys(ft, full, out)
			continue
		}
		*out = append(*out, full)
	}
}

func fieldKeyName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("mapstructure"); ok {
		name := strings.Split(tag, ",")[0]
		if name != "" {
			return strings.ToLower(name)
		}
	}
	return strings.ToLower(f.Name)
}

// envName maps a dotted declared key to the OCEAN__-prefixed, __-joined
// environment variable name a caller is expected to set.
func envName(key string) string {
	parts := strings.Split(key, ".")
	return strings.ToUpper(EnvPrefix + "__" + strings.Join(parts, "__"))
}

// rejectUnknownEnv fails if any OCEAN__-prefixed environment variable
// doesn't correspond to one of declared's keys.
func rejectUnknownEnv(declared []string) error {
	allowed := make(map[string]bool, len(declared))
	for _, k := range declared {
		allowed[envName(k)] = true
	}

	prefix := EnvPrefix + "__"
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if !allowed[name] {
			return ocerr.New(ocerr.ConfigError, "config.Load",
				fmt.Errorf("unrecognized configuration variable %s", name))
		}
	}
	return nil
}
