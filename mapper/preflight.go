package mapper

import (
	"github.com/matyoung89/ComfyEndpoints/contract"
)

// PreflightJobID marks the startup submission in output-node annotations.
const PreflightJobID = "preflight"

// typeDefault returns the neutral value for a contract type tag. Media
// inputs default to the empty string like any other filename slot.
func typeDefault(t contract.FieldType) interface{} {
	switch string(t) {
	case "integer":
		return 0
	case "number":
		return 0.0
	case "boolean":
		return false
	case "object":
		return map[string]interface{}{}
	case "array":
		return []interface{}{}
	default:
		return ""
	}
}

// PreflightPayload fills every contract input with its type default.
func PreflightPayload(c *contract.WorkflowContract) map[string]interface{} {
	payload := make(map[string]interface{}, len(c.Inputs))
	for _, in := range c.Inputs {
		payload[in.Name] = typeDefault(in.Type)
	}
	return payload
}

// BuildPreflightGraph produces the graph submitted once during startup to
// force the engine to resolve every model reference.
func BuildPreflightGraph(template contract.Graph, c *contract.WorkflowContract, artifactsDir, stateDB string) (contract.Graph, error) {
	return BuildJobGraph(template, c, PreflightPayload(c), PreflightJobID, artifactsDir, stateDB)
}
