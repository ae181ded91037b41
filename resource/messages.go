package resource

// Message is published on the bus for every lifecycle event.
type Message interface {
	// Type names the message in JSON envelopes.
	Type() string
	// Subject is the resource the message is about.
	Subject() ID
}

type ResourceAdded struct {
	ID      ID     `json:"id"`
	Locator string `json:"locator"`
	State   State  `json:"state"`
}

type ResourceChanged struct {
	ID      ID     `json:"id"`
	Locator string `json:"locator"`
	Old     State  `json:"old"`
	New     State  `json:"new"`
}

type ResourceRemoved struct {
	ID      ID     `json:"id"`
	Locator string `json:"locator"`
}

// DependencyChanged is delivered to the downstream resource of a dependency.
type DependencyChanged struct {
	From ID               `json:"from"`
	To   ID               `json:"to"`
	Kind DependencyKind   `json:"kind"`
	Old  DependencyStatus `json:"old"`
	New  DependencyStatus `json:"new"`
}

func (m ResourceAdded) Type() string     { return "resource-added" }
func (m ResourceChanged) Type() string   { return "resource-changed" }
func (m ResourceRemoved) Type() string   { return "resource-removed" }
func (m DependencyChanged) Type() string { return "dependency-changed" }

func (m ResourceAdded) Subject() ID     { return m.ID }
func (m ResourceChanged) Subject() ID   { return m.ID }
func (m ResourceRemoved) Subject() ID   { return m.ID }
func (m DependencyChanged) Subject() ID { return m.To }
