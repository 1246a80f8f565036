package file

import (
	"context"

	"github.com/openfroyo/converge/pkg/engine"
)

// PropertyKind is the closed set of aspects a file resource can manage.
// The numeric order is the sync order.
type PropertyKind int

const (
	KindEnsure PropertyKind = iota
	KindSource
	KindChecksum
	KindOwner
	KindGroup
	KindMode
	KindLink
)

var syncOrder = []PropertyKind{KindEnsure, KindSource, KindChecksum, KindOwner, KindGroup, KindMode, KindLink}

func (k PropertyKind) String() string {
	switch k {
	case KindEnsure:
		return "ensure"
	case KindSource:
		return "source"
	case KindChecksum:
		return "checksum"
	case KindOwner:
		return "owner"
	case KindGroup:
		return "group"
	case KindMode:
		return "mode"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// ParsePropertyKind maps a declaration key to its kind.
func ParsePropertyKind(s string) (PropertyKind, bool) {
	for _, k := range syncOrder {
		if k.String() == s {
			return k, true
		}
	}
	if s == "create" {
		return KindEnsure, true
	}
	return 0, false
}

// precondition reports whether a failure of this kind leaves nothing for the
// remaining kinds to act on.
func (k PropertyKind) precondition() bool {
	return k == KindEnsure || k == KindSource || k == KindLink
}

// Property is one managed aspect of a file.
type Property interface {
	Kind() PropertyKind
	// Retrieve reads the current value from the object described by o.
	Retrieve(ctx context.Context, o *object) error
	// InSync compares the retrieved value with the desired one.
	InSync() bool
	// Apply changes the object and returns the event for the change.
	// It returns an empty kind when there was nothing to do.
	Apply(ctx context.Context, o *object) (engine.EventKind, error)
	// Is and Should render the current and desired values for display.
	Is() string
	Should() string
}

// Change describes one out-of-sync property.
type Change struct {
	Kind   PropertyKind
	Is     string
	Should string
}

// absent is the "is" value of properties whose object does not exist yet.
const absent = "absent"
