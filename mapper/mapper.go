// Package mapper bridges the workflow contract and the graph: it normalizes
// prompt templates, binds request payload values into contract-bound node
// slots, and annotates output nodes with the per-job artifact destination.
package mapper

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/errors"
)

// Annotation slots written onto every api output node. The node
// implementations inside the engine read these to persist their artifact
// where the executor polls for it.
const (
	SlotJobID        = "ce_job_id"
	SlotArtifactsDir = "ce_artifacts_dir"
	SlotStateDB      = "ce_state_db"
)

// MappingError codes; the code string is part of the wire contract (it
// becomes the detail of a VALIDATION_ERROR).
const (
	CodeUnrecognizedShape = "unrecognized_prompt_shape"
)

// MappingError is a contract-to-graph binding failure with a stable code.
type MappingError struct {
	Code string
}

func (e *MappingError) Error() string {
	return e.Code
}

// NewMappingError builds a MappingError with a formatted code.
func NewMappingError(format string, args ...interface{}) *MappingError {
	return &MappingError{Code: fmt.Sprintf(format, args...)}
}

// ParsePromptTemplate normalizes raw workflow JSON into prompt form.
// Accepted shapes: a flat {node_id -> node} object, the same wrapped under
// "prompt", or the UI export {nodes: [...]} with positional widget values.
func ParsePromptTemplate(raw []byte) (contract.Graph, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, errors.Wrap(err, "parse workflow json")
	}

	if inner, ok := top["prompt"]; ok {
		if g, err := parseFlat(inner); err == nil {
			return g, nil
		}
	}
	if nodes, ok := top["nodes"]; ok {
		return parseUINodes(nodes)
	}
	if g, err := parseFlat(raw); err == nil {
		return g, nil
	}
	return nil, &MappingError{Code: CodeUnrecognizedShape}
}

// parseFlat decodes a {node_id -> {class_type, inputs}} object. Every node
// must carry a class_type, otherwise the shape is not prompt form.
func parseFlat(raw json.RawMessage) (contract.Graph, error) {
	var nodes map[string]struct {
		ClassType string                 `json:"class_type"`
		Inputs    map[string]interface{} `json:"inputs"`
	}
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("empty prompt object")
	}
	g := make(contract.Graph, len(nodes))
	for id, n := range nodes {
		if n.ClassType == "" {
			return nil, errors.Newf("node %s missing class_type", id)
		}
		inputs := n.Inputs
		if inputs == nil {
			inputs = map[string]interface{}{}
		}
		g[id] = &contract.GraphNode{ClassType: n.ClassType, Inputs: inputs}
	}
	return g, nil
}

// uiWidgetOrder maps the api node classes to their positional widget names.
var uiWidgetOrder = map[string][]string{
	contract.APIInputClass:  {"name", "type", "required", "value"},
	contract.APIOutputClass: {"name", "type"},
}

// parseUINodes converts a UI-shaped node list to prompt form. Widget values
// are positional in the UI export; only the api classes have a known widget
// order, other nodes keep an empty input map (their wiring lives in the
// links array, which the engine resolves on its own export path).
func parseUINodes(raw json.RawMessage) (contract.Graph, error) {
	var nodes []struct {
		ID            json.Number   `json:"id"`
		Type          string        `json:"type"`
		WidgetsValues []interface{} `json:"widgets_values"`
	}
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, &MappingError{Code: CodeUnrecognizedShape}
	}
	g := make(contract.Graph, len(nodes))
	for _, n := range nodes {
		inputs := map[string]interface{}{}
		if order, ok := uiWidgetOrder[n.Type]; ok {
			for i, slot := range order {
				if i < len(n.WidgetsValues) {
					inputs[slot] = n.WidgetsValues[i]
				}
			}
		}
		g[n.ID.String()] = &contract.GraphNode{ClassType: n.Type, Inputs: inputs}
	}
	if len(g) == 0 {
		return nil, &MappingError{Code: CodeUnrecognizedShape}
	}
	return g, nil
}

// slotKey picks the input slot a contract field binds to: the field's own
// name, else "value", else the unique single key, else the field name as a
// fresh slot.
func slotKey(node *contract.GraphNode, fieldName string) string {
	if _, ok := node.Inputs[fieldName]; ok {
		return fieldName
	}
	if _, ok := node.Inputs["value"]; ok {
		return "value"
	}
	if len(node.Inputs) == 1 {
		for k := range node.Inputs {
			return k
		}
	}
	return fieldName
}

// BindInputs clones the template and writes each payload value into the
// node slot its contract input binds to. Missing required inputs and
// unknown node ids fail with stable MappingError codes.
func BindInputs(template contract.Graph, c *contract.WorkflowContract, payload map[string]interface{}) (contract.Graph, error) {
	g := template.Clone()
	for _, field := range c.Inputs {
		node, ok := g[field.NodeID]
		if !ok {
			return nil, NewMappingError("missing_contract_node:%s", field.NodeID)
		}
		value, present := payload[field.Name]
		if !present {
			if field.Required {
				return nil, NewMappingError("missing_required_input:%s", field.Name)
			}
			continue
		}
		node.Inputs[slotKey(node, field.Name)] = value
	}
	return g, nil
}

// ExtractBoundValue reads back the value a BindInputs call wrote for one
// contract input. Used by tests to check bind idempotence.
func ExtractBoundValue(g contract.Graph, field contract.InputField) (interface{}, bool) {
	node, ok := g[field.NodeID]
	if !ok {
		return nil, false
	}
	v, ok := node.Inputs[slotKey(node, field.Name)]
	return v, ok
}

// AnnotateOutputs writes the per-job artifact destination onto every api
// output node in the graph, matched by class name case-insensitively so
// node-pack renames keep working. Contract outputs must still bind to an
// existing node. Mutates g in place (callers pass a clone).
func AnnotateOutputs(g contract.Graph, c *contract.WorkflowContract, jobID, artifactsDir, stateDB string) error {
	for _, field := range c.Outputs {
		if _, ok := g[field.NodeID]; !ok {
			return NewMappingError("missing_contract_node:%s", field.NodeID)
		}
	}
	for _, node := range g {
		if !strings.EqualFold(node.ClassType, contract.APIOutputClass) {
			continue
		}
		node.Inputs[SlotJobID] = jobID
		node.Inputs[SlotArtifactsDir] = artifactsDir
		node.Inputs[SlotStateDB] = stateDB
	}
	return nil
}

// BuildJobGraph produces the graph submitted for one job: template cloned,
// payload bound, output nodes annotated.
func BuildJobGraph(template contract.Graph, c *contract.WorkflowContract, payload map[string]interface{}, jobID, artifactsDir, stateDB string) (contract.Graph, error) {
	g, err := BindInputs(template, c, payload)
	if err != nil {
		return nil, err
	}
	if err := AnnotateOutputs(g, c, jobID, artifactsDir, stateDB); err != nil {
		return nil, err
	}
	return g, nil
}

// ValidatePayload checks a /run body against the contract: every required
// input present, no keys outside the declared input set.
func ValidatePayload(c *contract.WorkflowContract, payload map[string]interface{}) error {
	known := make(map[string]struct{}, len(c.Inputs))
	for _, in := range c.Inputs {
		known[in.Name] = struct{}{}
	}

	var unexpected []string
	for key := range payload {
		if _, ok := known[key]; !ok {
			unexpected = append(unexpected, key)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return NewMappingError("unexpected_inputs:%s", strings.Join(unexpected, ","))
	}

	for _, in := range c.Inputs {
		if !in.Required {
			continue
		}
		if _, ok := payload[in.Name]; !ok {
			return NewMappingError("missing_required_input:%s", in.Name)
		}
	}
	return nil
}
