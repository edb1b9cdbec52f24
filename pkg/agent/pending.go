package agent

// Pending is the root of every trajectory: it holds the run until the
// driver routes it through the rules' initial trigger. It is also used as
// an idle placeholder when a run is created but not started. Pending never
// acts, so no action is ever recorded for it.
type Pending struct{}

func init() { //nolint:gochecknoinits // Variant registration
	Register(StatePending, func() State { return &Pending{} })
}

func (p *Pending) Name() string { return StatePending }

func (p *Pending) IsTerminal() bool { return false }

func (p *Pending) Properties() map[string]any { return map[string]any{} }

func (p *Pending) SetProperties(map[string]any) error { return nil }
