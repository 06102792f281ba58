package structured

import (
	"embed"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var compiled = map[string]*jsonschema.Schema{}

func init() {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		panic(fmt.Sprintf("reading embedded schemas: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	for _, entry := range entries {
		data, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("reading schema %s: %v", entry.Name(), err))
		}
		schema, err := compiler.Compile(data)
		if err != nil {
			panic(fmt.Sprintf("compiling schema %s: %v", entry.Name(), err))
		}
		name := entry.Name()[:len(entry.Name())-len(".json")]
		compiled[name] = schema
	}
}

// SchemaByName returns a compiled embedded schema, or nil when no schema
// with that name ships with the package.
func SchemaByName(name string) *jsonschema.Schema {
	return compiled[name]
}

// Named accessors for the shipped security schema set.
func SecurityAlertSchema() *jsonschema.Schema    { return compiled["security_alert"] }
func IOCSchema() *jsonschema.Schema              { return compiled["ioc"] }
func KillChainSchema() *jsonschema.Schema        { return compiled["kill_chain"] }
func MITREMappingSchema() *jsonschema.Schema     { return compiled["mitre_mapping"] }
func PhishingAnalysisSchema() *jsonschema.Schema { return compiled["phishing_analysis"] }
func ThreatAssessmentSchema() *jsonschema.Schema { return compiled["threat_assessment"] }
func ActionItemsSchema() *jsonschema.Schema      { return compiled["action_items"] }
