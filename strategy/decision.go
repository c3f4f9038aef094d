package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// Decision is the manager agent's answer. Every field is optional; missing
// fields are derived from the analyst score.
type Decision struct {
	Side       string  `json:"side,omitempty" jsonschema:"enum=BUY,enum=SELL,enum=buy,enum=sell"`
	Qty        int     `json:"qty,omitempty" jsonschema:"minimum=1"`
	Confidence float64 `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1"`
}

type decideResponse struct {
	// Decision is either an object or a string holding one, possibly inside a
	// markdown code fence.
	Decision json.RawMessage `json:"decision"`
}

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

// DecisionSchema returns the JSON schema manager decisions are checked against.
func DecisionSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(&Decision{})
	s.Version = ""
	return json.Marshal(s)
}

func decisionSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := DecisionSchema()
		if err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	})
	return schema, schemaErr
}

// parseDecision decodes and validates a manager decision. A non-empty reason
// means the decision was unusable and the zero Decision is returned.
func parseDecision(raw json.RawMessage) (Decision, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Decision{}, "manager returned no decision"
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Decision{}, "manager decision is not valid JSON"
		}
		raw = json.RawMessage(stripFence(text))
	}
	if len(raw) == 0 || raw[0] != '{' {
		return Decision{}, "manager decision is not a JSON object"
	}
	if bytes.Equal(bytes.Join(bytes.Fields(raw), nil), []byte("{}")) {
		return Decision{}, "manager returned an empty decision"
	}

	sch, err := decisionSchema()
	if err != nil {
		return Decision{}, fmt.Sprintf("decision schema: %v", err)
	}
	res, err := sch.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Decision{}, "manager decision is not valid JSON"
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return Decision{}, "manager decision rejected: " + strings.Join(msgs, "; ")
	}

	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, "manager decision rejected: " + err.Error()
	}
	return d, ""
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
