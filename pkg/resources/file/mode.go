package file

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/openfroyo/converge/pkg/engine"
)

type modeProperty struct {
	mode    uint32
	is      uint32
	should  uint32
	missing bool
}

func (p *modeProperty) Kind() PropertyKind { return KindMode }

// Retrieve reads the mode of the followed object, since chmod follows
// symlinks. A dangling link counts as missing.
func (p *modeProperty) Retrieve(_ context.Context, o *object) error {
	p.should = p.mode
	info, st, ok := o.followed()
	p.missing = !ok
	if !ok {
		return nil
	}
	p.is = perm(st)
	if info.IsDir() {
		p.should = searchable(p.mode)
	}
	return nil
}

// searchable adds the execute bit to every class that may read, so
// directories with a file-style mode stay traversable.
func searchable(mode uint32) uint32 {
	if mode&0o400 != 0 {
		mode |= 0o100
	}
	if mode&0o040 != 0 {
		mode |= 0o010
	}
	if mode&0o004 != 0 {
		mode |= 0o001
	}
	return mode
}

func (p *modeProperty) InSync() bool {
	return !p.missing && p.is == p.should
}

func (p *modeProperty) Apply(_ context.Context, o *object) (engine.EventKind, error) {
	if p.InSync() {
		return "", nil
	}
	if _, _, ok := o.followed(); !ok {
		return "", engine.NewResourceMissingError("cannot change mode of a missing file", nil).
			WithResource(o.path).
			WithOperation(KindMode.String())
	}
	if err := unix.Chmod(o.path, p.should); err != nil {
		return "", engine.NewApplyError("failed to change mode", err).
			WithResource(o.path).
			WithOperation(KindMode.String()).
			WithDetail("mode", fmt.Sprintf("%04o", p.should))
	}
	p.is, p.missing = p.should, false
	return engine.EventModeChanged, nil
}

func (p *modeProperty) Is() string {
	if p.missing {
		return absent
	}
	return fmt.Sprintf("%04o", p.is)
}

func (p *modeProperty) Should() string { return fmt.Sprintf("%04o", p.should) }
