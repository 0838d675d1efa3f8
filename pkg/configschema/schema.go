// Package configschema derives a JSON Schema from the leasecoord configuration
// structs, keyed by the same names viper reads.
package configschema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nimburion/leasecoord/pkg/config"
)

const draft = "https://json-schema.org/draft/2020-12/schema"

// enums lists the closed value sets, by dotted key path.
var enums = map[string][]any{
	"store.type":               {config.StoreTypeMemory, config.StoreTypeRedis, config.StoreTypePostgres, config.StoreTypeMySQL, config.StoreTypeMongoDB, config.StoreTypeDynamoDB},
	"events.type":              {config.EventsTypeKafka, config.EventsTypeRabbitMQ, config.EventsTypeSQS},
	"management.router":        {"nethttp", "gin", "gorilla"},
	"observability.log_level":  {"debug", "info", "warn", "error"},
	"observability.log_format": {"json", "text"},
}

// Build returns the schema of config.Config with defaults taken from defaults,
// or from config.DefaultConfig when nil.
func Build(defaults *config.Config) (*jsonschema.Schema, error) {
	opts := &jsonschema.ForOptions{
		IgnoreInvalidTypes: true,
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			reflect.TypeOf(time.Duration(0)): {Type: "string"},
		},
	}
	typ := reflect.TypeOf(config.Config{})
	schema, err := jsonschema.ForType(typ, opts)
	if err != nil {
		return nil, fmt.Errorf("build config schema: %w", err)
	}
	renameFields(schema, typ)

	if defaults == nil {
		defaults = config.DefaultConfig()
	}
	injectDefaults(schema, reflect.ValueOf(*defaults))
	applyEnums(schema, "")
	dropRequired(schema)

	schema.Schema = draft
	schema.Title = "leasecoord configuration"
	schema.Description = "Settings read from the config file, LEASECOORD_* variables and flags."
	return schema, nil
}

// renameFields replaces the Go field names the generator uses with the
// mapstructure keys.
func renameFields(schema *jsonschema.Schema, t reflect.Type) {
	if schema == nil {
		return
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		if len(schema.Properties) == 0 {
			return
		}
		renamed := make(map[string]string, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			key := keyName(field)
			prop, ok := schema.Properties[field.Name]
			if !ok {
				continue
			}
			delete(schema.Properties, field.Name)
			schema.Properties[key] = prop
			renamed[field.Name] = key
			renameFields(prop, field.Type)
		}
		for i, name := range schema.PropertyOrder {
			if key, ok := renamed[name]; ok {
				schema.PropertyOrder[i] = key
			}
		}
	case reflect.Slice, reflect.Array:
		renameFields(schema.Items, t.Elem())
	case reflect.Map:
		renameFields(schema.AdditionalProperties, t.Elem())
	}
}

func injectDefaults(schema *jsonschema.Schema, value reflect.Value) {
	if schema == nil || value.Kind() != reflect.Struct {
		return
	}
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		prop, ok := schema.Properties[keyName(field)]
		if !ok {
			continue
		}
		fieldVal := value.Field(i)
		if fieldVal.Kind() == reflect.Struct && fieldVal.Type() != reflect.TypeOf(time.Time{}) {
			injectDefaults(prop, fieldVal)
			continue
		}
		if fieldVal.IsZero() || prop.Default != nil {
			continue
		}
		if raw, ok := marshalDefault(fieldVal); ok {
			prop.Default = raw
		}
	}
}

func marshalDefault(value reflect.Value) (json.RawMessage, bool) {
	v := value.Interface()
	if d, ok := v.(time.Duration); ok {
		v = d.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func applyEnums(schema *jsonschema.Schema, path string) {
	for key, prop := range schema.Properties {
		full := key
		if path != "" {
			full = path + "." + key
		}
		if values, ok := enums[full]; ok {
			prop.Enum = values
		}
		applyEnums(prop, full)
	}
}

// dropRequired clears required lists: every key has a default or is optional,
// and validation happens after merging all sources.
func dropRequired(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}
	schema.Required = nil
	for _, prop := range schema.Properties {
		dropRequired(prop)
	}
	dropRequired(schema.AdditionalProperties)
	dropRequired(schema.Items)
}

func keyName(field reflect.StructField) string {
	for _, tag := range []string{"mapstructure", "yaml"} {
		name, _, _ := strings.Cut(field.Tag.Get(tag), ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(field.Name)
}
