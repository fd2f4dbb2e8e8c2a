package event

// ReplayRequest selects the stored transitions of a task.
type ReplayRequest struct {
	TaskID   string `json:"task_id"`
	AfterSeq int    `json:"after_seq,omitempty"` // 0 = from the beginning
	Limit    int    `json:"limit,omitempty"`     // 0 = no limit
}

// ReplayResult contains the stored transitions of a task in apply order.
type ReplayResult struct {
	TaskID string       `json:"task_id"`
	Events []Transition `json:"events"`
	Count  int          `json:"count"`
}

// Filter applies the request's bounds to events already in apply order.
func (r ReplayRequest) Filter(events []Transition) ReplayResult {
	out := make([]Transition, 0, len(events))
	for i := range events {
		if events[i].TaskID != r.TaskID || events[i].Record.Seq <= r.AfterSeq {
			continue
		}
		out = append(out, events[i])
		if r.Limit > 0 && len(out) == r.Limit {
			break
		}
	}
	return ReplayResult{TaskID: r.TaskID, Events: out, Count: len(out)}
}
