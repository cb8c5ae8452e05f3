package service

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// payloadSchemas compiles one schema per job type, named after the type.
var payloadSchemas = sync.OnceValues(func() (map[domain.JobType]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[domain.JobType]*jsonschema.Schema, len(domain.JobTypes))
	for _, jobType := range domain.JobTypes {
		name := string(jobType) + ".json"
		raw, err := schemaFiles.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", jobType, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", jobType, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", jobType, err)
		}
		schemas[jobType] = schema
	}
	return schemas, nil
})

// ValidatePayload checks a submission payload against its job type schema.
func ValidatePayload(jobType domain.JobType, payload json.RawMessage) error {
	if !jobType.Valid() {
		return &domain.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	schemas, err := payloadSchemas()
	if err != nil {
		return err
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return &domain.ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	if err := schemas[jobType].Validate(document); err != nil {
		return &domain.ValidationError{Field: "payload", Reason: schemaReason(err)}
	}
	return nil
}

func schemaReason(err error) string {
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return err.Error()
	}
	for len(validationErr.Causes) > 0 {
		validationErr = validationErr.Causes[0]
	}
	location := validationErr.InstanceLocation
	if location == "" {
		location = "/"
	}
	return fmt.Sprintf("%s: %s", location, validationErr.Message)
}
