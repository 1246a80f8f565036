package catalog

import (
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/resources/file"
)

// Change is one out of sync property found by evaluation.
type Change struct {
	Type     string `json:"type"`
	Resource string `json:"resource"`
	Parent   string `json:"parent,omitempty"`
	Property string `json:"property"`
	Is       string `json:"is"`
	Should   string `json:"should"`
}

// Plan lists the pending changes of an evaluated transaction in application
// order, children after their parent.
func Plan(tx *engine.Transaction) []Change {
	var out []Change
	for _, r := range tx.OutOfSync() {
		out = appendChanges(out, r)
	}
	return out
}

func appendChanges(out []Change, r engine.Resource) []Change {
	fr, ok := r.(*file.Resource)
	if !ok {
		return append(out, Change{Type: r.Type(), Resource: r.Name(), Property: "*"})
	}

	for _, c := range fr.Changes() {
		out = append(out, Change{
			Type:     fr.Type(),
			Resource: fr.Name(),
			Parent:   fr.Parent(),
			Property: c.Kind.String(),
			Is:       c.Is,
			Should:   c.Should,
		})
	}
	for _, child := range fr.Children() {
		if !child.InSync() {
			out = appendChanges(out, child)
		}
	}
	return out
}
