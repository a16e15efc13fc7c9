package models

import "time"

// Workflow is the node/edge graph a run walks. It is read-only while runs
// execute against it.
type Workflow struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
}

// Node is a graph vertex; Type selects the capability and Data configures it.
type Node struct {
	ID   string  `json:"id" db:"id"`
	Type string  `json:"type" db:"type"`
	Data JSONMap `json:"data,omitempty" db:"data"`
}

// Edge is a directed arc. Completing Source enqueues a job for Target.
type Edge struct {
	Source string `json:"source" db:"source"`
	Target string `json:"target" db:"target"`
}

// Node looks up a node by id.
func (w Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Successors returns the targets of every edge leaving nodeID, in edge order.
// Parallel edges to the same target yield one entry each.
func (w Workflow) Successors(nodeID string) []string {
	var out []string
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e.Target)
		}
	}
	return out
}
