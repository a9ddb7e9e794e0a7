package models

import "time"

// AgentStatus is the availability state of a human agent.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentAway      AgentStatus = "away"
	AgentOffline   AgentStatus = "offline"
)

// Valid reports whether s names a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentAway, AgentOffline:
		return true
	}
	return false
}

// HumanAgent is a registered live agent. The queue manager guards all
// mutation under its own lock; the struct carries no synchronization.
type HumanAgent struct {
	ID          string       `json:"agent_id"`
	DisplayName string       `json:"display_name"`
	Email       string       `json:"email"`
	Departments []Department `json:"departments"`
	Status      AgentStatus  `json:"status"`

	// CurrentConversations holds the conversation ids the agent is
	// actively handling. Its size never exceeds MaxConcurrent.
	CurrentConversations map[string]bool `json:"current_conversations"`
	MaxConcurrent        int             `json:"max_concurrent"`

	Skills []string `json:"skills,omitempty"`

	// PerformanceRating runs 0..10, defaulting to 5.0 at registration.
	PerformanceRating  float64 `json:"performance_rating"`
	TotalConversations int     `json:"total_conversations"`
	SuccessfulClosures int     `json:"successful_closures"`
	AvgResponseTimeS   float64 `json:"avg_response_time_s"`

	LastActivityAt time.Time `json:"last_activity_at"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// ServesDepartment reports whether the agent covers dept.
func (a *HumanAgent) ServesDepartment(dept Department) bool {
	for _, d := range a.Departments {
		if d == dept {
			return true
		}
	}
	return false
}

// Load returns how many conversations the agent currently handles.
func (a *HumanAgent) Load() int {
	return len(a.CurrentConversations)
}

// AvailableCapacity returns how many more conversations the agent can take.
// Away and offline agents report zero regardless of load.
func (a *HumanAgent) AvailableCapacity() int {
	if a.Status != AgentAvailable && a.Status != AgentBusy {
		return 0
	}
	free := a.MaxConcurrent - a.Load()
	if free < 0 {
		return 0
	}
	return free
}

// CanAccept reports whether the agent may take one more conversation in dept.
func (a *HumanAgent) CanAccept(dept Department) bool {
	return a.ServesDepartment(dept) && a.AvailableCapacity() > 0
}

// Clone returns a deep copy for read-only snapshots.
func (a *HumanAgent) Clone() *HumanAgent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Departments = append([]Department(nil), a.Departments...)
	cp.Skills = append([]string(nil), a.Skills...)
	cp.CurrentConversations = make(map[string]bool, len(a.CurrentConversations))
	for id := range a.CurrentConversations {
		cp.CurrentConversations[id] = true
	}
	return &cp
}
