package httpapi

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const maxBodyBytes = 1 << 20

// Request schemas, by file name without extension.
const (
	schemaNegotiationRequest = "negotiation_request"
	schemaTransferRequest    = "transfer_request"
	schemaQuery              = "query"
	schemaCommand            = "command"
	schemaProtocolMessage    = "protocol_message"
)

type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	out := make(schemas, len(entries))
	for _, e := range entries {
		data, err := schemaFiles.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		url := "https://connector.local/schemas/" + e.Name()
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", e.Name(), err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		out[e.Name()[:len(e.Name())-len(path.Ext(e.Name()))]] = compiled
	}
	return out, nil
}

// decodeValidated checks the body against the named schema and then decodes
// it into v. An empty body is validated as an empty object.
func (s schemas) decodeValidated(r *http.Request, name string, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	schema, ok := s[name]
	if !ok {
		return fmt.Errorf("no schema %q", name)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
