package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/converge/pkg/engine"
)

// ensureProperty creates a missing file or directory. Its desired value
// comes from create, or from the kind of a directory source.
type ensureProperty struct {
	r      *Resource
	is     string
	should string
}

func (p *ensureProperty) Kind() PropertyKind { return KindEnsure }

func (p *ensureProperty) Retrieve(_ context.Context, o *object) error {
	p.is = o.kind()
	p.should = p.r.desiredKind()
	return nil
}

func (p *ensureProperty) InSync() bool {
	return p.should == "" || p.is == p.should
}

func (p *ensureProperty) Apply(_ context.Context, o *object) (engine.EventKind, error) {
	if p.InSync() {
		return "", nil
	}
	if p.is != absent {
		return "", engine.NewApplyError(
			fmt.Sprintf("exists as %s, expected %s", p.is, p.should), nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(o.path).
			WithOperation(KindEnsure.String())
	}

	switch p.should {
	case kindDirectory:
		if err := os.MkdirAll(o.path, 0o755); err != nil {
			return "", engine.NewApplyError("failed to create directory", err).
				WithResource(o.path).
				WithOperation(KindEnsure.String())
		}
		p.is = kindDirectory
		return engine.EventDirectoryCreated, nil

	default:
		if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
			return "", engine.NewApplyError("failed to create parent directory", err).
				WithResource(o.path).
				WithOperation(KindEnsure.String())
		}
		f, err := os.OpenFile(o.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return "", engine.NewApplyError("failed to create file", err).
				WithResource(o.path).
				WithOperation(KindEnsure.String())
		}
		if err := f.Close(); err != nil {
			return "", engine.NewApplyError("failed to create file", err).
				WithResource(o.path).
				WithOperation(KindEnsure.String())
		}
		p.is = kindFile
		return engine.EventCreated, nil
	}
}

func (p *ensureProperty) Is() string { return p.is }

func (p *ensureProperty) Should() string { return p.should }
