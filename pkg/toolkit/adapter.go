package toolkit

import (
	"fmt"
)

// Integration platform SDKs are not consistent about field names across
// versions: a tool record may carry its identifier under "slug", "name" or
// "id", its toolkit under "toolkit", "toolkit_slug" or "toolkitSlug" (or
// nested under "meta"), and its argument schema under "schema",
// "input_schema" or "parameters". NormalizeToolRecord folds all of those
// shapes into a Definition so nothing downstream ever touches a raw record.

var (
	toolNameKeys    = []string{"slug", "name", "id"}
	toolDisplayKeys = []string{"name", "slug", "id"}
	toolSchemaKeys  = []string{"schema", "input_schema", "parameters"}
	toolkitKeys     = []string{"toolkit", "toolkit_slug", "toolkitSlug"}
)

// NormalizeToolRecord converts one loose platform tool record into a
// Definition. Accepted shapes: a bare slug string, or a map using any of the
// known field-name variants.
func NormalizeToolRecord(v any) (Definition, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return Definition{}, fmt.Errorf("empty tool slug")
		}
		return Definition{Name: t}, nil
	case map[string]any:
		return normalizeToolMap(t)
	default:
		return Definition{}, fmt.Errorf("cannot normalize tool record of type %T", v)
	}
}

// NormalizeToolRecords converts a batch, skipping records that cannot be
// folded and reporting the first error alongside the usable definitions.
func NormalizeToolRecords(vs []any) ([]Definition, error) {
	defs := make([]Definition, 0, len(vs))
	var firstErr error
	for i, v := range vs {
		def, err := NormalizeToolRecord(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("tool record %d: %w", i, err)
			}
			continue
		}
		defs = append(defs, def)
	}
	return defs, firstErr
}

func normalizeToolMap(rec map[string]any) (Definition, error) {
	name := firstString(rec, toolNameKeys)
	if name == "" {
		return Definition{}, fmt.Errorf("tool record missing slug/name/id")
	}

	def := Definition{
		Name:        name,
		Description: firstString(rec, []string{"description"}),
	}

	for _, key := range toolSchemaKeys {
		if schema, ok := rec[key].(map[string]any); ok {
			def.Schema = schema
			break
		}
	}

	return def, nil
}

// ToolkitSlug extracts the owning toolkit from a loose tool record,
// tolerating the same field-name variants as NormalizeToolRecord.
func ToolkitSlug(rec map[string]any) string {
	if s := firstString(rec, toolkitKeys); s != "" {
		return s
	}
	if meta, ok := rec["meta"].(map[string]any); ok {
		return firstString(meta, []string{"toolkit"})
	}
	return ""
}

// DisplayName extracts a human-readable name, falling back to the slug.
func DisplayName(rec map[string]any) string {
	return firstString(rec, toolDisplayKeys)
}

func firstString(rec map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := rec[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
