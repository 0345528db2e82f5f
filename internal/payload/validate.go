package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://clinicflow.local/schemas/proposal-submission.json"

const submissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["company", "responsible"],
  "properties": {
    "company": {
      "type": "object",
      "required": ["legal_name", "cnpj", "email_principal", "telefone", "address"],
      "properties": {
        "legal_name": {"type": "string", "minLength": 1},
        "trade_name": {"type": "string"},
        "cnpj": {"type": "string", "pattern": "^\\d{2}\\.?\\d{3}\\.?\\d{3}/?\\d{4}-?\\d{2}$"},
        "state_registration": {"type": "string"},
        "email_principal": {"type": "string", "format": "email"},
        "email_financeiro": {"type": "string", "pattern": "^$|^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"},
        "telefone": {"type": "string", "minLength": 8},
        "whatsapp": {"type": "string"},
        "address": {
          "type": "object",
          "required": ["logradouro", "numero", "bairro", "cidade", "uf", "cep"],
          "properties": {
            "logradouro": {"type": "string", "minLength": 1},
            "numero": {"type": "string", "minLength": 1},
            "complemento": {"type": "string"},
            "bairro": {"type": "string", "minLength": 1},
            "cidade": {"type": "string", "minLength": 1},
            "uf": {"type": "string", "minLength": 2, "maxLength": 2},
            "cep": {"type": "string", "pattern": "^\\d{5}-?\\d{3}$"}
          }
        }
      }
    },
    "responsible": {
      "type": "object",
      "required": ["name", "cpf", "email", "telefone"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "cpf": {"type": "string", "pattern": "^\\d{3}\\.?\\d{3}\\.?\\d{3}-?\\d{2}$"},
        "email": {"type": "string", "format": "email"},
        "telefone": {"type": "string", "minLength": 8}
      }
    }
  }
}`

var compiledSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(schemaURL, strings.NewReader(submissionSchema)); err != nil {
		panic(fmt.Sprintf("submission schema load failed: %v", err))
	}
	return c.MustCompile(schemaURL)
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed, sorted by field path.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

var ErrMalformed = errors.New("payload is not a JSON object")

// Parse validates raw against the submission schema and returns the
// normalized payload. Shape violations yield a *ValidationError.
func Parse(raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Payload{}, ErrMalformed
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Payload{}, ErrMalformed
	}
	if err := compiledSchema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return Payload{}, &ValidationError{Fields: collectFieldErrors(verr)}
		}
		return Payload{}, fmt.Errorf("validate payload: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ErrMalformed
	}
	p.Normalize()
	return p, nil
}

var quotedName = regexp.MustCompile(`'([^']+)'`)

func collectFieldErrors(root *jsonschema.ValidationError) []FieldError {
	seen := map[FieldError]struct{}{}
	var out []FieldError
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		for _, fe := range leafErrors(e) {
			if _, dup := seen[fe]; dup {
				continue
			}
			seen[fe] = struct{}{}
			out = append(out, fe)
		}
	}
	walk(root)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field == out[j].Field {
			return out[i].Message < out[j].Message
		}
		return out[i].Field < out[j].Field
	})
	return out
}

func leafErrors(e *jsonschema.ValidationError) []FieldError {
	base := pointerToField(e.InstanceLocation)
	if strings.HasSuffix(e.KeywordLocation, "/required") {
		var out []FieldError
		for _, m := range quotedName.FindAllStringSubmatch(e.Message, -1) {
			out = append(out, FieldError{Field: joinField(base, m[1]), Message: "is required"})
		}
		if len(out) > 0 {
			return out
		}
	}
	return []FieldError{{Field: base, Message: e.Message}}
}

func pointerToField(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	parts := strings.Split(pointer, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

func joinField(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}
