package models

// Subgoal is a small record in an agent's persistent scratch space,
// maintained by the add_subgoal/update_subgoal tools and readable by
// programmatic step handlers.
type Subgoal struct {
	ID        string   `json:"id"`
	Objective string   `json:"objective"`
	Status    string   `json:"status,omitempty"`
	Plan      string   `json:"plan,omitempty"`
	Logs      []string `json:"logs,omitempty"`
}
