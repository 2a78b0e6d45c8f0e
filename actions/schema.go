// Package actions provides the built-in action executors: notify,
// webhook and audit_log.
package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBase = "https://eventrules.local/actions/"

// mustCompileSchema compiles a built-in config schema. The schemas are
// constants, so a failure is a programming error.
func mustCompileSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	url := schemaBase + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("load %s schema: %v", name, err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile %s schema: %v", name, err))
	}
	return schema
}

// validateSchema checks config against schema and returns one error per
// failing keyword.
func validateSchema(schema *jsonschema.Schema, config map[string]any) []error {
	doc, err := jsonValue(config)
	if err != nil {
		return []error{err}
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []error{err}
	}
	var problems []error
	collectLeaves(ve, &problems)
	if len(problems) == 0 {
		problems = append(problems, err)
	}
	return problems
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]error) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Errorf("%s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// jsonValue converts rendered config into the generic JSON shapes the
// validator understands.
func jsonValue(config map[string]any) (any, error) {
	if config == nil {
		config = map[string]any{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("config is not JSON-encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// stringifyFields returns a shallow copy of config in which scalar values
// under keys are formatted as strings, including scalar list items and map
// values one level down. nil and nested structures are left alone.
func stringifyFields(config map[string]any, keys ...string) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, k := range keys {
		switch v := out[k].(type) {
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				items[i] = stringifyScalar(item)
			}
			out[k] = items
		case map[string]any:
			m := make(map[string]any, len(v))
			for mk, mv := range v {
				m[mk] = stringifyScalar(mv)
			}
			out[k] = m
		default:
			if _, ok := out[k]; ok {
				out[k] = stringifyScalar(v)
			}
		}
	}
	return out
}

func stringifyScalar(v any) any {
	switch x := v.(type) {
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return fmt.Sprint(x)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return v
}

func stringValue(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

// stringList accepts a single string or a list of strings.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := fmt.Sprint(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
