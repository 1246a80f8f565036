package file

import (
	"context"
	"os"
	"path/filepath"

	"github.com/openfroyo/converge/pkg/engine"
)

// linkProperty makes the path a symbolic link to an absolute target.
type linkProperty struct {
	target string
	is     string
}

func (p *linkProperty) Kind() PropertyKind { return KindLink }

func (p *linkProperty) Retrieve(_ context.Context, o *object) error {
	switch {
	case !o.exists:
		p.is = absent
	case o.isLink():
		target, err := os.Readlink(o.path)
		if err != nil {
			return engine.NewApplyError("failed to read link", err).
				WithResource(o.path).
				WithOperation(KindLink.String())
		}
		p.is = canonicalTarget(o.path, target)
	case o.isDir():
		p.is = kindDirectory
	default:
		p.is = kindFile
	}
	return nil
}

func (p *linkProperty) InSync() bool {
	return p.is == p.target
}

func (p *linkProperty) Apply(_ context.Context, o *object) (engine.EventKind, error) {
	if p.InSync() {
		return "", nil
	}
	if o.isDir() && !o.isLink() {
		return "", engine.NewApplyError("refusing to replace a directory with a link", nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(o.path).
			WithOperation(KindLink.String())
	}

	ev := engine.EventLinkCreated
	if o.exists {
		ev = engine.EventLinkChanged
		if err := os.Remove(o.path); err != nil {
			return "", engine.NewApplyError("failed to remove existing file", err).
				WithResource(o.path).
				WithOperation(KindLink.String())
		}
	} else if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return "", engine.NewApplyError("failed to create parent directory", err).
			WithResource(o.path).
			WithOperation(KindLink.String())
	}

	if err := os.Symlink(p.target, o.path); err != nil {
		return "", engine.NewApplyError("failed to create link", err).
			WithResource(o.path).
			WithOperation(KindLink.String()).
			WithDetail("target", p.target)
	}
	p.is = p.target
	return ev, nil
}

func (p *linkProperty) Is() string { return p.is }

func (p *linkProperty) Should() string { return p.target }
