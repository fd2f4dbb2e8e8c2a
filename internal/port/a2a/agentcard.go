package a2a

import sdk "github.com/a2aproject/a2a-go/a2a"

// ProtocolVersion is the A2A protocol version this service speaks.
const ProtocolVersion = "0.2"

// BuildAgentCard returns the card this service publishes about itself. The
// skills describe the orchestration surface offered to A2A peers.
func BuildAgentCard(baseURL, version string) sdk.AgentCard {
	return sdk.AgentCard{
		Name:               "Switchboard",
		Description:        "Routes tasks to registered A2A agents and tracks their lifecycle",
		URL:                baseURL,
		Version:            version,
		ProtocolVersion:    ProtocolVersion,
		DefaultInputModes:  []string{"text", "application/json"},
		DefaultOutputModes: []string{"text", "application/json"},
		Capabilities: sdk.AgentCapabilities{
			Streaming:              false,
			PushNotifications:      false,
			StateTransitionHistory: true,
		},
		Skills: []sdk.AgentSkill{
			{
				ID:          "task-status",
				Name:        "Task Status",
				Description: "Look up the state and transition history of a delegated task",
				Tags:        []string{"tasks"},
				InputModes:  []string{"application/json"},
				OutputModes: []string{"application/json"},
			},
			{
				ID:          "task-cancel",
				Name:        "Task Cancellation",
				Description: "Cancel a delegated task that has not reached a terminal state",
				Tags:        []string{"tasks"},
				InputModes:  []string{"application/json"},
				OutputModes: []string{"application/json"},
			},
		},
	}
}
