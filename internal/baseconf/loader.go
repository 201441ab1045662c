// Package baseconf loads service configuration from struct-tag defaults, a
// YAML file, an optional .env file and environment variables, in that order
// of increasing precedence.
//
// Fields are bound to environment variables by their `env` tag, or by the
// upper-cased field path (GATEWAY_PORT) when there is none. A variable
// prefixed with the service name (RGW_GATEWAY_PORT) wins over the plain one.
package baseconf

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Options selects the sources a Loader reads.
type Options struct {
	ConfigFile      string
	EnvironmentFile string
	ServiceName     string
}

// Loader fills configuration structs from multiple sources.
type Loader struct {
	opts Options
}

// NewLoader creates a Loader.
func NewLoader(opts Options) *Loader {
	return &Loader{opts: opts}
}

// Load populates target, which must be a pointer to a struct.
func (l *Loader) Load(target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config target must be a pointer to a struct, got %T", target)
	}

	if err := l.applyDefaults(v); err != nil {
		return fmt.Errorf("failed to set defaults: %w", err)
	}
	if l.opts.ConfigFile != "" {
		if err := loadYAML(target, l.opts.ConfigFile); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if l.opts.EnvironmentFile != "" {
		if err := loadEnvironmentFile(l.opts.EnvironmentFile); err != nil {
			return fmt.Errorf("failed to load environment file: %w", err)
		}
	}
	if err := l.applyEnv(v); err != nil {
		return fmt.Errorf("failed to load from environment: %w", err)
	}
	return nil
}

// ApplyDefaults sets every field that has a `default` tag. Sources that
// decode on top of an existing struct, such as viper, start from here.
func ApplyDefaults(target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config target must be a pointer to a struct, got %T", target)
	}
	return (&Loader{}).applyDefaults(v)
}

// fieldVisitor is called for every settable leaf field with its derived
// environment name.
type fieldVisitor func(field reflect.Value, sf reflect.StructField, envName string) error

// walk visits the leaf fields of the struct behind v. Slices of structs are
// left to the YAML source.
func walk(v reflect.Value, prefix string, visit fieldVisitor) error {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field, sf := v.Field(i), t.Field(i)
		if !field.CanSet() {
			continue
		}

		name := strings.ToUpper(sf.Name)
		if prefix != "" {
			name = prefix + "_" + name
		}

		if isStruct(field) && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := walk(field, name, visit); err != nil {
				return err
			}
			continue
		}
		if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Struct {
			continue
		}
		if tag := sf.Tag.Get("env"); tag != "" {
			name = tag
		}
		if err := visit(field, sf, name); err != nil {
			return err
		}
	}
	return nil
}

func isStruct(field reflect.Value) bool {
	if field.Kind() == reflect.Struct {
		return true
	}
	return field.Kind() == reflect.Pointer && field.Type().Elem().Kind() == reflect.Struct
}

func (l *Loader) applyDefaults(v reflect.Value) error {
	return walk(v, "", func(field reflect.Value, sf reflect.StructField, _ string) error {
		def, ok := sf.Tag.Lookup("default")
		if !ok || def == "" {
			return nil
		}
		if err := setField(field, def); err != nil {
			return fmt.Errorf("default for %s: %w", sf.Name, err)
		}
		return nil
	})
}

func (l *Loader) applyEnv(v reflect.Value) error {
	return walk(v, "", func(field reflect.Value, sf reflect.StructField, envName string) error {
		names := []string{envName}
		if l.opts.ServiceName != "" {
			names = append([]string{strings.ToUpper(l.opts.ServiceName) + "_" + envName}, names...)
		}
		for _, name := range names {
			value, ok := os.LookupEnv(name)
			if !ok {
				continue
			}
			if err := setField(field, value); err != nil {
				return fmt.Errorf("field %s from env %s: %w", sf.Name, name, err)
			}
			return nil
		}
		return nil
	})
}

func loadYAML(target any, filename string) error {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// loadEnvironmentFile exports KEY=VALUE lines that are not already set in
// the process environment.
func loadEnvironmentFile(filename string) error {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read environment file %s: %w", filename, err)
	}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid line %d in environment file %s: %s", i+1, filename, line)
		}
		key, value = strings.TrimSpace(key), unquote(strings.TrimSpace(value))

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// setField parses value into field according to its kind.
func setField(field reflect.Value, value string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value: %s", value)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			field.SetBool(true)
		case "false", "0", "no", "off":
			field.SetBool(false)
		default:
			return fmt.Errorf("invalid boolean value: %s", value)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer value: %s", value)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", value)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported field type: %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items).Convert(field.Type()))
	default:
		return fmt.Errorf("unsupported field type: %s", field.Type())
	}
	return nil
}
