package skapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Created resource type tags reported by the server.
const (
	ResourcePolicyDataset   = "policy_dataset"
	ResourceLocationDataset = "location_dataset"
	ResourceInsurance       = "insurance"
)

// CreatedResource is one entry of an upload's createdResources, in server order.
type CreatedResource struct {
	ID   string
	Type string
}

// UploadStatus is the decoded upload/{id}.json document.
type UploadStatus struct {
	UploadID string
	// Status is the server's opaque status word; HasStatus is false when the
	// document carried none.
	Status           string
	HasStatus        bool
	CreatedResources []CreatedResource
	Raw              json.RawMessage
}

// ResourcesOfType returns the created resources tagged typ.
func (s *UploadStatus) ResourcesOfType(typ string) []CreatedResource {
	var out []CreatedResource
	for _, r := range s.CreatedResources {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

const statusSchemaURL = "https://skimport.local/schemas/upload-status.schema.json"

const statusSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "state": {
      "type": "object",
      "properties": {
        "uploadId": {"type": ["string", "number"]},
        "status": {},
        "createdResources": {
          "anyOf": [
            {"type": ["object", "null"], "additionalProperties": {"type": ["string", "null"]}},
            {"type": "array", "maxItems": 0}
          ]
        }
      }
    }
  },
  "allOf": [{"$ref": "#/$defs/state"}],
  "properties": {
    "upload": {"$ref": "#/$defs/state"}
  }
}`

var compiledStatusSchema = mustCompileStatusSchema()

func mustCompileStatusSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(statusSchemaURL, strings.NewReader(statusSchema)); err != nil {
		panic(fmt.Sprintf("status schema load failed: %v", err))
	}
	return c.MustCompile(statusSchemaURL)
}

type statusState struct {
	UploadID         json.RawMessage `json:"uploadId"`
	Status           json.RawMessage `json:"status"`
	CreatedResources json.RawMessage `json:"createdResources"`
}

// DecodeStatus validates and decodes an upload status document. Shape
// violations are reported as *ProtocolError. A missing, null or non-string
// status is not an error; it leaves HasStatus false so pollers keep going.
func DecodeStatus(uploadID string, body []byte) (*UploadStatus, error) {
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, &ProtocolError{Path: "status", Raw: string(body)}
	}
	if err := compiledStatusSchema.Validate(generic); err != nil {
		return nil, &ProtocolError{Path: schemaErrorPath(err), Raw: string(body)}
	}

	var doc struct {
		statusState
		Upload *statusState `json:"upload"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ProtocolError{Path: "status", Raw: string(body)}
	}

	state := doc.statusState
	if absent(state.Status) && absent(state.CreatedResources) && doc.Upload != nil {
		state = *doc.Upload
	}

	resources, err := decodeCreatedResources(state.CreatedResources)
	if err != nil {
		return nil, &ProtocolError{Path: "createdResources", Raw: string(body)}
	}

	out := &UploadStatus{
		UploadID:         uploadID,
		CreatedResources: resources,
		Raw:              json.RawMessage(body),
	}
	out.Status, out.HasStatus = statusWord(state.Status)
	return out, nil
}

func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func statusWord(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeCreatedResources keeps the server's key order, which a map would lose.
func decodeCreatedResources(raw json.RawMessage) ([]CreatedResource, error) {
	if absent(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch d, _ := tok.(json.Delim); d {
	case '{':
	case '[':
		// empty list, as sent while nothing has been created yet
		if dec.More() {
			return nil, errors.New("createdResources list is not empty")
		}
		return nil, nil
	default:
		return nil, errors.New("createdResources is not an object")
	}

	var out []CreatedResource
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		typ, _ := val.(string)
		out = append(out, CreatedResource{ID: key, Type: typ})
	}
	return out, nil
}

func schemaErrorPath(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "status"
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	path := strings.TrimPrefix(ve.InstanceLocation, "/")
	if path == "" {
		return "status"
	}
	return path
}
