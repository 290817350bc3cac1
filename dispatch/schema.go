package dispatch

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/toolset"
	"github.com/xeipuuv/gojsonschema"
)

// schemaCache holds the compiled input schemas by tool and server
type schemaCache struct {
	schemas sync.Map
}

type compiledSchema struct {
	schema *gojsonschema.Schema
	err    error
}

func (c *schemaCache) get(entry *toolset.Entry) compiledSchema {
	key := entry.Endpoint.Name + "/" + entry.Descriptor.Name
	if v, ok := c.schemas.Load(key); ok {
		return v.(compiledSchema)
	}

	var cs compiledSchema
	if len(entry.Descriptor.InputSchema) > 0 {
		cs.schema, cs.err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(entry.Descriptor.InputSchema))
	}
	v, _ := c.schemas.LoadOrStore(key, cs)
	return v.(compiledSchema)
}

// validate returns an error if args do not conform to the input schema.
// Tools without a schema, or with a schema that does not compile, accept any
// arguments and are left to the server to check.
func (c *schemaCache) validate(entry *toolset.Entry, args map[string]any) error {
	cs := c.get(entry)
	if cs.schema == nil {
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	doc, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "invalid arguments")
	}

	result, err := cs.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.Wrap(err, "invalid arguments")
	}
	if !result.Valid() {
		var list []string
		for _, e := range result.Errors() {
			list = append(list, e.String())
		}
		return errors.Errorf("invalid arguments: %s", strings.Join(list, "; "))
	}
	return nil
}
