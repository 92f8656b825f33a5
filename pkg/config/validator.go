package config

import (
	"fmt"
	"reflect"
	"strings"
)

// Validator validates a configuration value.
type Validator interface {
	Validate(config interface{}) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(config interface{}) error

func (f ValidatorFunc) Validate(config interface{}) error {
	return f(config)
}

// Validate runs validators in order and stops at the first failure.
func Validate(config interface{}, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(config); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

func structValue(config interface{}) (reflect.Value, error) {
	val := reflect.ValueOf(config)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("config must be a struct")
	}
	return val, nil
}

// field resolves a dotted path such as "Store.Dir".
func field(val reflect.Value, path string) reflect.Value {
	current := val
	for _, part := range strings.Split(path, ".") {
		if current.Kind() == reflect.Ptr {
			current = current.Elem()
		}
		if current.Kind() != reflect.Struct {
			return reflect.Value{}
		}
		current = current.FieldByName(part)
		if !current.IsValid() {
			return reflect.Value{}
		}
	}
	return current
}

func isZero(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	default:
		return v.IsZero()
	}
}

// RequiredFields fails when any of the dotted paths holds a zero value.
func RequiredFields(paths ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		val, err := structValue(config)
		if err != nil {
			return err
		}
		var missing []string
		for _, p := range paths {
			f := field(val, p)
			if !f.IsValid() {
				return fmt.Errorf("field %s not found", p)
			}
			if isZero(f) {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// RangeValidator fails when a numeric field lies outside [min, max].
func RangeValidator(path string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		val, err := structValue(config)
		if err != nil {
			return err
		}
		f := field(val, path)
		if !f.IsValid() {
			return fmt.Errorf("field %s not found", path)
		}
		var n float64
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = float64(f.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = float64(f.Uint())
		case reflect.Float32, reflect.Float64:
			n = f.Float()
		default:
			return fmt.Errorf("field %s is not numeric", path)
		}
		if n < min || n > max {
			return fmt.Errorf("field %s value %g is out of range [%g, %g]", path, n, min, max)
		}
		return nil
	})
}

// OneOfValidator fails when a field is not one of the allowed values.
func OneOfValidator(path string, allowed ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		val, err := structValue(config)
		if err != nil {
			return err
		}
		f := field(val, path)
		if !f.IsValid() {
			return fmt.Errorf("field %s not found", path)
		}
		got := f.Interface()
		for _, a := range allowed {
			if reflect.DeepEqual(got, a) {
				return nil
			}
		}
		return fmt.Errorf("field %s value %v is not one of %v", path, got, allowed)
	})
}
