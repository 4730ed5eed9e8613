package config

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// validateNoUnexpectedKeys decodes data into a generic map and walks it
// against Config's yaml tags, rejecting any key the schema doesn't know
// about. The teacher's config.go hand-unrolls this check once per nesting
// level (.defaults, .defaults.auth, .repositories[], ...); here the same
// idea is generalized into a single recursive walk driven by reflection,
// since grokmirror's schema nests one level deeper (core/remote/pull/
// fsck/objstore/auth, none of them repeated slices).
func validateNoUnexpectedKeys(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse for key validation: %w", err)
	}
	return checkKeys("", raw, reflect.TypeOf(Config{}))
}

// checkKeys verifies every key in raw has a corresponding yaml-tagged
// field on typ, recursing into nested struct fields.
func checkKeys(path string, raw map[string]any, typ reflect.Type) error {
	allowed := allowedKeys(typ)

	for key, value := range raw {
		fieldType, ok := allowed[key]
		if !ok {
			return fmt.Errorf("unexpected key %q", joinPath(path, key))
		}
		if fieldType.Kind() == reflect.Struct {
			nested, ok := value.(map[string]any)
			if !ok {
				continue // scalar where a struct was expected; yaml.Unmarshal will report the type error
			}
			if err := checkKeys(joinPath(path, key), nested, fieldType); err != nil {
				return err
			}
		}
	}
	return nil
}

// allowedKeys maps each yaml tag name on typ's exported fields to its
// field type.
func allowedKeys(typ reflect.Type) map[string]reflect.Type {
	out := make(map[string]reflect.Type, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("yaml")
		name := strings.Split(tag, ",")[0]
		if name == "" || name == "-" {
			name = strings.ToLower(f.Name)
		}
		out[name] = f.Type
	}
	return out
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
