package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/template"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

func funcMap() template.FuncMap {
	return template.FuncMap{
		"toJson":      toJSON,
		"toToml":      toTOML,
		"toYaml":      toYAML,
		"default":     defaultValue,
		"strJoin":     strJoin,
		"strReplace":  strings.ReplaceAll,
		"toUppercase": strings.ToUpper,
		"toLowercase": strings.ToLower,
	}
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toTOML(v any) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func toYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// defaultValue returns def when v is missing or the zero value, so it reads
// as {{ .Cfg.port | default 6379 }}.
func defaultValue(def, v any) any {
	if v == nil {
		return def
	}
	rv := reflect.ValueOf(v)
	if rv.IsZero() {
		return def
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.String:
		if rv.Len() == 0 {
			return def
		}
	}
	return v
}

func strJoin(sep string, v any) (string, error) {
	switch list := v.(type) {
	case []string:
		return strings.Join(list, sep), nil
	case []any:
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep), nil
	default:
		return "", fmt.Errorf("strJoin: unsupported type %T", v)
	}
}
