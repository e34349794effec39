// Package archive builds and opens the sealed result container a
// recording session produces. The container is a zip of individually
// sealed members plus a plaintext manifest of their ciphertext digests,
// sealed once more as a whole. Opening verifies outside-in: outer
// authentication, then per-member digest, then per-member decryption and
// schema validation, with member failures isolated from each other.
package archive

import (
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Member names inside the container.
const (
	MemberEvents   = "events.json.enc"
	MemberSummary  = "summary.json.enc"
	MemberMetadata = "metadata.json.enc"
	MemberOutput   = "terminal_output.log.enc"
	MemberState    = "state_copy.json.enc"

	manifestName = "manifest.json"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// memberSchemaFiles maps JSON members to their schema resources. The raw
// terminal output member has no schema.
var memberSchemaFiles = map[string]string{
	MemberEvents:   "schemas/events.schema.json",
	MemberSummary:  "schemas/summary.schema.json",
	MemberMetadata: "schemas/metadata.schema.json",
	MemberState:    "schemas/state.schema.json",
}

var (
	schemaOnce sync.Once
	schemaSet  map[string]*jsonschema.Schema
	schemaErr  error
)

// memberSchemas compiles the embedded member schemas once.
func memberSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiled := make(map[string]*jsonschema.Schema, len(memberSchemaFiles))
		for member, resource := range memberSchemaFiles {
			f, err := schemaFS.Open(resource)
			if err != nil {
				schemaErr = fmt.Errorf("archive: open schema %s: %w", resource, err)
				return
			}
			c := jsonschema.NewCompiler()
			if err := c.AddResource(resource, f); err != nil {
				f.Close()
				schemaErr = fmt.Errorf("archive: add schema %s: %w", resource, err)
				return
			}
			f.Close()
			schema, err := c.Compile(resource)
			if err != nil {
				schemaErr = fmt.Errorf("archive: compile schema %s: %w", resource, err)
				return
			}
			compiled[member] = schema
		}
		schemaSet = compiled
	})
	return schemaSet, schemaErr
}
