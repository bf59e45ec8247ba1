// Package strictyaml provides the reflection-based "unexpected key"
// validation used to reject YAML documents carrying fields a schema struct
// doesn't declare.
package strictyaml

import (
	"reflect"
)

// AllowedKeys returns the yaml tags declared on config's fields.
func AllowedKeys(config interface{}) []string {
	var allowed []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("yaml")
		if tag != "" {
			allowed = append(allowed, tag)
		}
	}
	return allowed
}

// FindUnexpectedKey returns the first key in raw that isn't in allowed, or
// "" if raw only contains allowed keys.
func FindUnexpectedKey(raw map[string]interface{}, allowed []string) string {
	for key := range raw {
		if !contains(allowed, key) {
			return key
		}
	}
	return ""
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
