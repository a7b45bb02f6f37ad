package supervisor

// Event is a replica lifecycle event: a name, the deployment it belongs to
// and optional fields.
type Event struct {
	Name    string
	Tag     string
	Replica int
	Fields  map[string]any
}

// EventPublisher receives supervisor events. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
