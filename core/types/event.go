package types

// Event is a structured state-change notification with string attributes.
// Every settlement-relevant transition in the market engine produces one.
type Event struct {
	Type       string
	Attributes map[string]string
}
