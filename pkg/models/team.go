package models

// Strategy names how a team responds to one routing pass.
type Strategy string

const (
	// StrategyParallel has every member respond independently to the same input.
	StrategyParallel Strategy = "parallel"
	// StrategySequential has the lead respond first and hand off to specialists.
	StrategySequential Strategy = "sequential"
)

// Team is the set of agents chosen for one routing pass. It is never persisted.
type Team struct {
	// ID identifies the pass in logs.
	ID string `json:"id"`
	// Lead responds first.
	Lead string `json:"lead"`
	// Members respond in addition to the lead.
	Members []string `json:"members,omitempty"`
	// Strategy is the execution strategy.
	Strategy Strategy `json:"strategy"`
	// Reason is a short explanation of the selection.
	Reason string `json:"reason,omitempty"`
}

// Size returns the number of agents on the team.
func (t *Team) Size() int {
	if t == nil || t.Lead == "" {
		return 0
	}
	return 1 + len(t.Members)
}

// All returns the lead followed by the members.
func (t *Team) All() []string {
	if t.Size() == 0 {
		return nil
	}
	return append([]string{t.Lead}, t.Members...)
}
