package models

// RoutingAction is the router's verdict for one message.
type RoutingAction string

const (
	ActionRouteToAI       RoutingAction = "route_to_ai"
	ActionRouteToHuman    RoutingAction = "route_to_human"
	ActionEscalateToHuman RoutingAction = "escalate_to_human"
)

// RoutingDecision is the pure result value produced by the router. Dispatch
// sites are expected to handle every action exhaustively.
type RoutingDecision struct {
	Action          RoutingAction `json:"action"`
	Department      Department    `json:"department"`
	Priority        int           `json:"priority"`
	AllowEscalation bool          `json:"allow_escalation"`
	Reason          string        `json:"reason"`

	// Hint flags optional router guidance for the AI path, such as
	// collect_contact when signals are strong but no identifier exists.
	Hint string `json:"hint,omitempty"`

	EstimatedWaitS     float64      `json:"estimated_wait_s,omitempty"`
	SuggestedReplies   []QuickReply `json:"suggested_quick_replies,omitempty"`
	SuggestedAgentKind AgentKind    `json:"suggested_agent_kind,omitempty"`
}

// HumanBound reports whether the decision lands in a human queue.
func (d RoutingDecision) HumanBound() bool {
	return d.Action == ActionRouteToHuman || d.Action == ActionEscalateToHuman
}
