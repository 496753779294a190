package core

// Clone returns a deep copy of the subtask so stores can hand out snapshots
// without exposing internal state. Result payloads are copied by reference;
// they are treated as immutable once recorded.
func (s Subtask) Clone() Subtask {
	out := s
	if s.Params != nil {
		out.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.Dependencies != nil {
		out.Dependencies = append([]string(nil), s.Dependencies...)
	}
	return out
}

// Clone returns a deep copy of the run including steps and working memory.
func (r Run) Clone() Run {
	out := r
	if r.WorkingMemory != nil {
		out.WorkingMemory = make(map[string]any, len(r.WorkingMemory))
		for k, v := range r.WorkingMemory {
			out.WorkingMemory[k] = v
		}
	}
	if r.Steps != nil {
		out.Steps = append([]Step(nil), r.Steps...)
	}
	return out
}

// Clone returns a deep copy of the objective.
func (o Objective) Clone() Objective {
	out := o
	if o.AllowedTools != nil {
		out.AllowedTools = append([]string(nil), o.AllowedTools...)
	}
	if o.Constraints != nil {
		out.Constraints = append([]string(nil), o.Constraints...)
	}
	return out
}
