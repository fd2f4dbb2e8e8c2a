package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Strob0t/switchboard/internal/domain/event"
)

// Validate checks whether data is valid JSON conforming to the payload
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case strings.HasPrefix(subject, SubjectTaskTransition+"."):
		var p event.Transition
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TaskID == "" || p.Record.Seq < 1 || p.Record.To == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errIncomplete)
		}
	case strings.HasPrefix(subject, SubjectAgentCircuit+"."):
		var p event.Circuit
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.AgentID == "" || p.To == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errIncomplete)
		}
	case strings.HasPrefix(subject, SubjectAgentRegistry+"."):
		var p event.Agent
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.AgentID == "" || p.Type == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errIncomplete)
		}
	}
	return nil
}

var errIncomplete = errors.New("required field missing")
