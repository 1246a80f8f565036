package engine

import (
	"sort"
	"strings"
)

// EventKind names the kind of change a successful sync produced.
type EventKind string

const (
	// EventCreated is emitted when a plain file is created.
	EventCreated EventKind = "created"
	// EventDirectoryCreated is emitted when a directory is created.
	EventDirectoryCreated EventKind = "directory-created"
	// EventContentModified is emitted when a recorded checksum baseline drifted.
	EventContentModified EventKind = "content-modified"
	// EventContentReplaced is emitted when content was copied over from a source.
	EventContentReplaced EventKind = "content-replaced"
	// EventOwnerChanged is emitted when the owning user was changed.
	EventOwnerChanged EventKind = "owner-changed"
	// EventGroupChanged is emitted when the owning group was changed.
	EventGroupChanged EventKind = "group-changed"
	// EventModeChanged is emitted when permission bits were changed.
	EventModeChanged EventKind = "mode-changed"
	// EventLinkCreated is emitted when a symbolic link was created where nothing existed.
	EventLinkCreated EventKind = "link-created"
	// EventLinkChanged is emitted when an existing object was replaced by a symbolic link
	// or a link was repointed.
	EventLinkChanged EventKind = "link-changed"
)

// EventSet is an unordered set of event kinds.
// Use NewEventSet to obtain a writable set.
type EventSet map[EventKind]struct{}

// NewEventSet returns a set holding the given kinds.
func NewEventSet(kinds ...EventKind) EventSet {
	s := make(EventSet, len(kinds))
	for _, k := range kinds {
		s.Add(k)
	}
	return s
}

// Add inserts a kind. Empty kinds are ignored.
func (s EventSet) Add(k EventKind) {
	if k == "" {
		return
	}
	s[k] = struct{}{}
}

// Has reports whether the set contains k.
func (s EventSet) Has(k EventKind) bool {
	_, ok := s[k]
	return ok
}

// Len returns the number of kinds in the set.
func (s EventSet) Len() int {
	return len(s)
}

// Union adds every kind of other into s and returns s.
// A nil receiver yields a freshly allocated set.
func (s EventSet) Union(other EventSet) EventSet {
	if s == nil {
		s = make(EventSet, len(other))
	}
	for k := range other {
		s[k] = struct{}{}
	}
	return s
}

// Sorted returns the kinds in lexical order.
func (s EventSet) Sorted() []EventKind {
	out := make([]EventKind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the set as a comma separated list.
func (s EventSet) String() string {
	kinds := s.Sorted()
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}
