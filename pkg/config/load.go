package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. REPLSTREAM_STORE_DIR.
const EnvPrefix = "REPLSTREAM"

// Load decodes path into target. Files ending in .json are JSON, anything
// else is YAML.
func Load(path string, target interface{}) error {
	// #nosec G304 -- path comes from the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("decode JSON config %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode YAML config %s: %w", path, err)
	}
	return nil
}

// Save writes config to path, choosing the format from the extension.
func Save(path string, config interface{}) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(config, "", "  ")
	} else {
		data, err = yaml.Marshal(config)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// Configs may carry DSNs with credentials.
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnvOverrides sets struct fields from PREFIX_FIELD_SUBFIELD environment
// variables. Field names are upper-cased Go names.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = EnvPrefix
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

var durationType = reflect.TypeOf(time.Duration(0))

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}
		envKey := prefix + "_" + strings.ToUpper(fieldType.Name)

		switch {
		case field.Kind() == reflect.Struct:
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		case field.Kind() == reflect.Interface:
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("env %s: %w", envKey, err)
		}
	}
	return nil
}

func setField(field reflect.Value, s string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var v int64
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var v uint64
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			return fmt.Errorf("invalid unsigned integer %q", s)
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		var v float64
		if _, err := fmt.Sscanf(s, "%g", &v); err != nil {
			return fmt.Errorf("invalid float %q", s)
		}
		field.SetFloat(v)
	case reflect.Bool:
		field.SetBool(strings.EqualFold(s, "true") || s == "1")
	case reflect.Slice:
		parts := strings.Split(s, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			if err := setField(slice.Index(i), strings.TrimSpace(part)); err != nil {
				return err
			}
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
