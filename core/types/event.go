package types

import "sort"

// Event represents a typed event emitted during a ledger state change.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// AttributeKeys returns the attribute names in lexical order so log lines and
// exports stay stable between runs.
func (e *Event) AttributeKeys() []string {
	if e == nil || len(e.Attributes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(e.Attributes))
	for key := range e.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
