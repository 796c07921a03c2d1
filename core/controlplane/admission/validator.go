package admission

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/opal-compute/gateway/core/infra/schema"
)

//go:embed schemas/*.json
var jobSchemaFS embed.FS

// Validator checks raw submissions against the per-shape job schemas.
type Validator struct {
	computeTypes []string
	algorithms   []string
	direct       *schema.Compiled
	algorithm    *schema.Compiled
}

// NewValidator compiles the embedded job schemas.
func NewValidator(computeTypes, algorithms []string) (*Validator, error) {
	direct, err := compileJobSchema("direct")
	if err != nil {
		return nil, err
	}
	algo, err := compileJobSchema("algorithm")
	if err != nil {
		return nil, err
	}
	return &Validator{
		computeTypes: append([]string(nil), computeTypes...),
		algorithms:   append([]string(nil), algorithms...),
		direct:       direct,
		algorithm:    algo,
	}, nil
}

func compileJobSchema(name string) (*schema.Compiled, error) {
	data, err := jobSchemaFS.ReadFile("schemas/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("load %s job schema: %w", name, err)
	}
	return schema.Compile(name+"-job", data)
}

// Algorithms returns the supported algorithm names.
func (v *Validator) Algorithms() []string { return append([]string(nil), v.algorithms...) }

// ComputeTypes returns the supported direct runtimes.
func (v *Validator) ComputeTypes() []string { return append([]string(nil), v.computeTypes...) }

// Validate decodes raw into a typed request. It reports only the first
// problem found and has no side effects.
func (v *Validator) Validate(raw []byte) (*JobRequest, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, newError(KindMalformedRequest, "Missing job description.")
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, newError(KindMalformedRequest, "The job description must be a JSON object.")
	}

	jobType, _ := doc["type"].(string)
	if _, isAlgo := doc["algorithm"]; isAlgo && (jobType == "" || ComputeType(jobType) == ComputeTypeAlgorithm) {
		return v.validateAlgorithm(raw, doc)
	}
	if !slices.Contains(v.computeTypes, jobType) {
		return nil, newError(KindUnsupportedType, unsupportedMessage("compute", v.computeTypes)).
			with("supported", v.ComputeTypes())
	}
	if err := v.direct.Validate(doc); err != nil {
		return nil, newError(KindMalformedRequest, schema.FirstViolation(err))
	}
	var direct DirectJob
	if err := json.Unmarshal(raw, &direct); err != nil {
		return nil, newError(KindMalformedRequest, err.Error())
	}
	return &JobRequest{Type: ComputeType(jobType), Direct: &direct, Document: doc}, nil
}

func (v *Validator) validateAlgorithm(raw []byte, doc map[string]any) (*JobRequest, error) {
	name, _ := doc["algorithm"].(string)
	if !slices.Contains(v.algorithms, name) {
		return nil, newError(KindUnsupportedType, unsupportedMessage("algo", v.algorithms)).
			with("supported", v.Algorithms())
	}
	if err := v.algorithm.Validate(doc); err != nil {
		return nil, newError(KindMalformedRequest, schema.FirstViolation(err))
	}
	var algo AlgorithmJob
	if err := json.Unmarshal(raw, &algo); err != nil {
		return nil, newError(KindMalformedRequest, err.Error())
	}
	start, startErr := time.Parse(time.RFC3339, algo.StartDate)
	end, endErr := time.Parse(time.RFC3339, algo.EndDate)
	if startErr == nil && endErr == nil && end.Before(start) {
		return nil, newError(KindMalformedRequest, "endDate: must not be before startDate")
	}
	return &JobRequest{Type: ComputeTypeAlgorithm, Algorithm: &algo, Document: doc}, nil
}

func unsupportedMessage(kind string, supported []string) string {
	return fmt.Sprintf("The requested %s type is currently not supported. The list of supported computations: %s",
		kind, strings.Join(supported, ","))
}
