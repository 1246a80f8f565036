package file

import (
	"context"
	"fmt"
	"strconv"

	"github.com/moby/sys/user"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/converge/pkg/engine"
)

// resolveUser turns a user name or numeric uid into a uid.
// Numeric ids are taken as given, they need no passwd entry.
func resolveUser(spec string) (int, error) {
	if id, err := strconv.Atoi(spec); err == nil {
		if id < 0 {
			return 0, fmt.Errorf("negative uid %d", id)
		}
		return id, nil
	}
	u, err := user.LookupUser(spec)
	if err != nil {
		return 0, err
	}
	return u.Uid, nil
}

// resolveGroup turns a group name or numeric gid into a gid.
func resolveGroup(spec string) (int, error) {
	if id, err := strconv.Atoi(spec); err == nil {
		if id < 0 {
			return 0, fmt.Errorf("negative gid %d", id)
		}
		return id, nil
	}
	g, err := user.LookupGroup(spec)
	if err != nil {
		return 0, err
	}
	return g.Gid, nil
}

// userName renders a uid with its passwd name when one exists.
func userName(uid int) string {
	if u, err := user.LookupUid(uid); err == nil {
		return fmt.Sprintf("%s(%d)", u.Name, uid)
	}
	return strconv.Itoa(uid)
}

func groupName(gid int) string {
	if g, err := user.LookupGid(gid); err == nil {
		return fmt.Sprintf("%s(%d)", g.Name, gid)
	}
	return strconv.Itoa(gid)
}

type ownerProperty struct {
	name    string
	uid     int
	is      int
	missing bool
}

func (p *ownerProperty) Kind() PropertyKind { return KindOwner }

func (p *ownerProperty) Retrieve(_ context.Context, o *object) error {
	p.missing = !o.exists
	if o.exists {
		p.is = o.uid()
	}
	return nil
}

func (p *ownerProperty) InSync() bool {
	return !p.missing && p.is == p.uid
}

func (p *ownerProperty) Apply(_ context.Context, o *object) (engine.EventKind, error) {
	if p.InSync() {
		return "", nil
	}
	if !o.exists {
		return "", engine.NewResourceMissingError("cannot change owner of a missing file", nil).
			WithResource(o.path).
			WithOperation(KindOwner.String())
	}
	if err := unix.Lchown(o.path, p.uid, -1); err != nil {
		return "", engine.NewApplyError("failed to change owner", err).
			WithResource(o.path).
			WithOperation(KindOwner.String()).
			WithDetail("owner", p.name)
	}
	p.is, p.missing = p.uid, false
	return engine.EventOwnerChanged, nil
}

func (p *ownerProperty) Is() string {
	if p.missing {
		return absent
	}
	return userName(p.is)
}

func (p *ownerProperty) Should() string { return userName(p.uid) }

type groupProperty struct {
	name    string
	gid     int
	is      int
	missing bool
}

func (p *groupProperty) Kind() PropertyKind { return KindGroup }

func (p *groupProperty) Retrieve(_ context.Context, o *object) error {
	p.missing = !o.exists
	if o.exists {
		p.is = o.gid()
	}
	return nil
}

func (p *groupProperty) InSync() bool {
	return !p.missing && p.is == p.gid
}

func (p *groupProperty) Apply(_ context.Context, o *object) (engine.EventKind, error) {
	if p.InSync() {
		return "", nil
	}
	if !o.exists {
		return "", engine.NewResourceMissingError("cannot change group of a missing file", nil).
			WithResource(o.path).
			WithOperation(KindGroup.String())
	}
	if err := unix.Lchown(o.path, -1, p.gid); err != nil {
		return "", engine.NewApplyError("failed to change group", err).
			WithResource(o.path).
			WithOperation(KindGroup.String()).
			WithDetail("group", p.name)
	}
	p.is, p.missing = p.gid, false
	return engine.EventGroupChanged, nil
}

func (p *groupProperty) Is() string {
	if p.missing {
		return absent
	}
	return groupName(p.is)
}

func (p *groupProperty) Should() string { return groupName(p.gid) }
