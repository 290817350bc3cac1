package mcp

import (
	"encoding/json"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// InputSchema reflects the JSON schema of a tool arguments type
func InputSchema(t reflect.Type) (json.RawMessage, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, errors.Errorf("tool arguments must be a struct, got %s", t.Kind())
	}

	r := new(jsonschema.Reflector)
	r.ExpandedStruct = true
	r.DoNotReference = true
	r.AllowAdditionalProperties = true
	r.Anonymous = true
	// structs with the same name in different packages get distinct names
	r.Namer = func(t reflect.Type) string {
		if t.Kind() != reflect.Struct {
			return t.Name()
		}
		return t.Name() + "@" + strconv.FormatUint(xxhash.Sum64String(t.PkgPath()+"/"+t.Name()), 10)
	}

	s := r.ReflectFromType(t)
	s.Version = ""
	if s.Properties == nil {
		s.Properties = orderedmap.New[string, *jsonschema.Schema]()
	}

	js, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal input schema")
	}
	return js, nil
}
