// Package file implements the file resource: one filesystem object whose
// existence, content, ownership, permissions or link target are managed.
//
// Each managed aspect is a Property of a closed kind. Sync applies them in a
// fixed order: ensure, source, checksum, owner, group, mode, link.
//
//	r, err := file.New(file.Config{
//	    Path:   "/etc/motd",
//	    Source: "/srv/files/motd",
//	    Mode:   "0644",
//	    Owner:  "root",
//	}, env)
//
// With Recurse set, evaluation materializes one child resource per directory
// entry (and per source entry), registers it, and syncs it after the parent.
// Children carry the parent's path as a back-reference.
package file
