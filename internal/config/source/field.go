package source

import (
	"reflect"
	"strconv"
	"strings"

	"wstunnel-go/internal/config/schema"
	coreerrors "wstunnel-go/internal/core/errors"
)

var durationType = reflect.TypeOf(schema.Duration(0))

// Fields lists every settable key as a dotted yaml path
// ("log_lvl", "client.remote_addr", ...)
func Fields() []string {
	var out []string
	walk(reflect.TypeOf(schema.Root{}), "", func(path string) { out = append(out, path) })
	return out
}

func walk(t reflect.Type, prefix string, fn func(string)) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := yamlName(f)
		if name == "" {
			continue
		}
		if f.Type.Kind() == reflect.Struct && f.Type != durationType {
			walk(f.Type, prefix+name+".", fn)
			continue
		}
		fn(prefix + name)
	}
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// SetField sets the key at path from its textual form; list keys take
// every value, scalar keys the last one
func SetField(cfg *schema.Root, path string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	v := reflect.ValueOf(cfg).Elem()
	for _, part := range strings.Split(path, ".") {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return coreerrors.Newf(coreerrors.CodeConfigError, "unknown configuration key %q", path)
		}
		v = field
	}

	raw := values[len(values)-1]
	if v.Type() == durationType {
		d, err := schema.ParseDuration(raw)
		if err != nil {
			return invalidValue(path, raw, err)
		}
		v.Set(reflect.ValueOf(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return invalidValue(path, raw, err)
		}
		v.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return invalidValue(path, raw, err)
		}
		v.SetInt(int64(n))
	case reflect.Slice:
		v.Set(reflect.ValueOf(append([]string(nil), values...)))
	default:
		return coreerrors.Newf(coreerrors.CodeInternal, "unsupported configuration type %s for %q", v.Type(), path)
	}
	return nil
}

// IsList reports whether the key holds a list of values
func IsList(path string) bool {
	v := reflect.ValueOf(&schema.Root{}).Elem()
	for _, part := range strings.Split(path, ".") {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return false
		}
		v = field
	}
	return v.Kind() == reflect.Slice
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if yamlName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func invalidValue(path, raw string, err error) error {
	return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "invalid value %q for %s", raw, path)
}
