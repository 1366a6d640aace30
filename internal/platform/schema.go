package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload schemas for the MQTT command surface. Extra properties are
// allowed so clients can attach their own metadata.
const (
	commandSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["characteristic", "value"],
		"properties": {
			"id":             {"type": "string", "maxLength": 128},
			"characteristic": {"type": "string", "minLength": 1, "maxLength": 64},
			"value":          {"type": "integer", "minimum": -2147483648, "maximum": 2147483647},
			"source":         {"type": "string", "maxLength": 64}
		}
	}`

	requestSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"request_id":     {"type": "string", "maxLength": 128},
			"characteristic": {"type": "string", "maxLength": 64}
		}
	}`
)

type payloadSchemas struct {
	command *jsonschema.Schema
	request *jsonschema.Schema
}

// schemas compiles the payload schemas once. They are constants, so a
// compile failure is a programming error.
var schemas = sync.OnceValue(func() payloadSchemas {
	c := jsonschema.NewCompiler()
	compile := func(url, doc string) *jsonschema.Schema {
		v, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			panic(fmt.Sprintf("platform: schema %s: %v", url, err))
		}
		if err := c.AddResource(url, v); err != nil {
			panic(fmt.Sprintf("platform: schema %s: %v", url, err))
		}
		return c.MustCompile(url)
	}
	return payloadSchemas{
		command: compile("command.json", commandSchema),
		request: compile("request.json", requestSchema),
	}
})

// validatePayload checks payload against sch, flattening the validator's
// multi-line report into one line for acks and logs.
func validatePayload(sch *jsonschema.Schema, payload []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(strings.Fields(err.Error()), " "))
	}
	return nil
}

// decodeCommand validates and decodes a command. On failure the returned
// message still carries whatever id could be read, for the ack.
func decodeCommand(payload []byte) (CommandMessage, error) {
	var cmd CommandMessage
	if err := validatePayload(schemas().command, payload); err != nil {
		_ = json.Unmarshal(payload, &cmd) //nolint:errcheck // best effort for the correlation id
		return cmd, err
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return cmd, nil
}

func decodeRequest(payload []byte) (RequestMessage, error) {
	var req RequestMessage
	if err := validatePayload(schemas().request, payload); err != nil {
		_ = json.Unmarshal(payload, &req) //nolint:errcheck // as above
		return req, err
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return req, nil
}
