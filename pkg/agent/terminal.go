package agent

// Finished ends a run successfully. Its properties carry the model's
// closing thoughts from the finish action that routed here.
type Finished struct {
	Thoughts string `json:"thoughts,omitempty"`
}

// Rejected ends a run that the model declared unsolvable.
type Rejected struct {
	Thoughts string `json:"thoughts,omitempty"`
}

func init() { //nolint:gochecknoinits // Variant registration
	Register(StateFinished, func() State { return &Finished{} })
	Register(StateRejected, func() State { return &Rejected{} })
}

func (f *Finished) Name() string { return StateFinished }

func (f *Finished) IsTerminal() bool { return true }

func (f *Finished) Properties() map[string]any { return encodeProperties(f) }

func (f *Finished) SetProperties(props map[string]any) error {
	return decodeProperties(props, f)
}

func (r *Rejected) Name() string { return StateRejected }

func (r *Rejected) IsTerminal() bool { return true }

func (r *Rejected) Properties() map[string]any { return encodeProperties(r) }

func (r *Rejected) SetProperties(props map[string]any) error {
	return decodeProperties(props, r)
}
