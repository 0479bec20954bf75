package callflow

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// Tool is a transition as offered to the language model.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema of the arguments object.
	Parameters json.RawMessage
}

var (
	toolsOnce sync.Once
	toolCache map[StageKind][]Tool
)

func toolsFor(stage StageKind) []Tool {
	toolsOnce.Do(func() {
		toolCache = make(map[StageKind][]Tool, len(table))
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		for kind, transitions := range table {
			tools := make([]Tool, 0, len(transitions))
			for _, t := range transitions {
				tools = append(tools, Tool{
					Name:        t.name,
					Description: t.description,
					Parameters:  argsSchema(r, t.args),
				})
			}
			toolCache[kind] = tools
		}
	})
	return toolCache[stage]
}

func argsSchema(r *jsonschema.Reflector, args any) json.RawMessage {
	schema := r.Reflect(args)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}
