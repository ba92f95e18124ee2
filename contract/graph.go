package contract

// GraphNode is one node of the workflow graph in API (prompt) form.
// Inputs map slot names to literal values or links; a link is a 2-element
// array [source_node_id, output_index]. The runtime treats the graph as
// opaque JSON except at the nodes the contract binds to.
type GraphNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// Graph is the normalized {node_id -> node} prompt form accepted by the
// engine's submission endpoint.
type Graph map[string]*GraphNode

// Clone returns a deep copy the caller may mutate without touching the
// source graph.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		cloned := &GraphNode{
			ClassType: node.ClassType,
			Inputs:    make(map[string]interface{}, len(node.Inputs)),
		}
		for k, v := range node.Inputs {
			cloned.Inputs[k] = deepCopyValue(v)
		}
		out[id] = cloned
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = deepCopyValue(inner)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, inner := range val {
			s[i] = deepCopyValue(inner)
		}
		return s
	default:
		// JSON scalars are immutable
		return v
	}
}
