// Package jsonl turns arbitrary event values into single-line JSON suitable
// for the broker's newline-delimited wire protocol. Serialization never
// fails: any value that cannot be encoded degrades to a diagnostic status
// line instead of an error.
package jsonl

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

// maxDepth bounds recursion so cyclic values degrade to strings instead of
// overflowing the stack.
const maxDepth = 64

// Sanitize converts v into a tree of JSON-safe values: binary data becomes
// lowercase hex, protobuf messages become field-name-preserving maps,
// non-finite floats become nil, and anything unrecognized falls back to its
// string rendering. Map key order is not significant; sets and arrays come
// out as ordered JSON arrays.
func Sanitize(v any) any {
	return sanitize(v, 0)
}

func sanitize(v any, depth int) any {
	if v == nil {
		return nil
	}
	if depth > maxDepth {
		return fmt.Sprint(v)
	}

	switch x := v.(type) {
	case []byte:
		return hex.EncodeToString(x)
	case string:
		return x
	case bool:
		return x
	case int:
		return x
	case int32:
		return x
	case int64:
		return x
	case uint32:
		return x
	case uint64:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case json.Number:
		return x
	}

	if msg, ok := v.(proto.Message); ok {
		return sanitizeProto(msg, depth)
	}

	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = sanitize(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = sanitize(el, depth+1)
		}
		return out
	}

	return sanitizeReflect(reflect.ValueOf(v), depth)
}

func sanitizeReflect(rv reflect.Value, depth int) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return sanitize(rv.Elem().Interface(), depth+1)

	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key().Interface(), depth)] = sanitize(iter.Value().Interface(), depth+1)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return hex.EncodeToString(rv.Bytes())
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitize(rv.Index(i).Interface(), depth+1)
		}
		return out

	case reflect.Struct:
		return sanitizeStruct(rv, depth)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()

	default:
		// chan, func, complex, unsafe pointers: no JSON representation.
		return fmt.Sprint(rv.Interface())
	}
}

// sanitizeStruct maps a struct's exported fields, honoring json tags where
// present. Structs exposing no usable fields degrade to their string form.
func sanitizeStruct(rv reflect.Value, depth int) any {
	t := rv.Type()
	out := make(map[string]any)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, opts := parseJSONTag(tag)
			if tagName == "-" && opts == "" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out[name] = sanitize(rv.Field(i).Interface(), depth+1)
	}
	if len(out) == 0 {
		return fmt.Sprint(rv.Interface())
	}
	return out
}

func parseJSONTag(tag string) (name, opts string) {
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i], tag[i+1:]
		}
	}
	return tag, ""
}

func mapKey(k any, depth int) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(sanitize(k, depth+1))
}

// sanitizeProto converts a protobuf message to a map that preserves the
// proto field names. If conversion fails, the message's text rendering is
// wrapped so the caller still gets a well-formed value.
func sanitizeProto(msg proto.Message, depth int) any {
	if rv := reflect.ValueOf(msg); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	b, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
	if err == nil {
		var tree any
		if json.Unmarshal(b, &tree) == nil {
			return sanitize(tree, depth+1)
		}
	}
	return map[string]any{"_proto_repr": prototext.Format(msg)}
}

// Line serializes v as a single line of JSON. It never returns malformed
// output: sanitization or encoding failures produce a status line
// describing the error instead.
func Line(v any) (line string) {
	defer func() {
		if r := recover(); r != nil {
			line = errorLine(fmt.Sprint(r))
		}
	}()
	b, err := json.Marshal(Sanitize(v))
	if err != nil {
		return errorLine(err.Error())
	}
	return string(b)
}

func errorLine(detail string) string {
	b, _ := json.Marshal(map[string]string{
		"type": "status",
		"msg":  "serialization_error: " + detail,
	})
	return string(b)
}
