package cliconfig

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SensitiveMask replaces the value of a field with the "sensitive" tag.
const SensitiveMask = "*****"

type KVs []KV

type KV struct {
	Key   string
	Value string
}

func (v KVs) String() string {
	var out strings.Builder
	for i, kv := range v {
		if i > 0 {
			out.WriteString(" ")
		}
		out.WriteString(kv.Key)
		out.WriteString("=")
		out.WriteString(kv.Value)
		out.WriteString(";")
	}
	return out.String()
}

// YAML converts the key-value pairs to a nested YAML document, keys are split by dots.
func (v KVs) YAML() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, kv := range v {
		node := root
		parts := strings.Split(kv.Key, ".")
		for _, part := range parts[:len(parts)-1] {
			node = childMapping(node, part)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: parts[len(parts)-1]},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: kv.Value},
		)
	}
	return yaml.Marshal(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}})
}

func childMapping(parent *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(parent.Content); i += 2 {
		if parent.Content[i].Value == key {
			return parent.Content[i+1]
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	parent.Content = append(parent.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, child)
	return child
}

// Dump a configuration structure as key-value pairs, sensitive values are masked.
func Dump(config any) (KVs, error) {
	// Dereference pointer
	v := reflect.ValueOf(config)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}

	// Dump fields
	out := make(KVs, 0)
	err := dump(v, "", &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func dump(v reflect.Value, parent string, out *KVs) error {
	if v.Kind() != reflect.Struct {
		return nil
	}

	// Iterate struct fields
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		fieldName, other, _ := strings.Cut(t.Field(i).Tag.Get("mapstructure"), ",")
		squash := strings.Contains(other, "squash")
		if (fieldName == "" && !squash) || fieldName == "-" {
			continue
		}

		// Prefix with parent name
		key := parent
		if parent != "" && fieldName != "" {
			key += "."
		}
		key += fieldName

		if t.Field(i).Tag.Get("sensitive") == "true" {
			*out = append(*out, KV{Key: key, Value: SensitiveMask})
			continue
		}

		if err := dumpStructField(key, v.Field(i), out); err != nil {
			return err
		}
	}
	return nil
}

func dumpStructField(key string, v reflect.Value, out *KVs) error {
	t := v.Type()

	var str string
	switch {
	case (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil():
		str = "<nil>"
	case v.Kind() == reflect.Slice:
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = cast.ToString(v.Index(i).Interface())
		}
		str = strings.Join(parts, ",")
	default:
		// Some methods may be defined on a pointer type, convert value to pointer
		if t.Kind() != reflect.Pointer {
			ptr := reflect.New(t)
			ptr.Elem().Set(v)
			v = ptr
			t = v.Type()
		}

		switch value := v.Interface().(type) {
		case *string:
			str = *value
		case fmt.Stringer:
			str = value.String()
		case encoding.TextMarshaler:
			text, err := value.MarshalText()
			if err != nil {
				return err
			}
			str = string(text)
		default:
			if t.Elem().Kind() == reflect.Struct {
				return dump(v.Elem(), key, out)
			}
			str = cast.ToString(v.Elem().Interface())
		}
	}

	if key != "" {
		*out = append(*out, KV{Key: key, Value: str})
	}

	return nil
}
