package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"

	"github.com/openfroyo/converge/pkg/engine"
)

// sourceProperty mirrors the content of a source file. Directory sources
// are handled by ensure and recursion.
type sourceProperty struct {
	r      *Resource
	found  string
	is     string
	should string
}

func (p *sourceProperty) Kind() PropertyKind { return KindSource }

func (p *sourceProperty) Retrieve(_ context.Context, o *object) error {
	src := p.r.src
	if src == nil {
		return engine.NewConfigurationError("source was not resolved", nil).WithResource(o.path)
	}
	if src.info.IsDir() {
		p.is, p.should = kindDirectory, kindDirectory
		return nil
	}

	kind := p.r.contentKind()
	should, err := digestFile(src.path, kind)
	if err != nil {
		return engine.NewApplyError("failed to checksum source", err).
			WithResource(o.path).
			WithOperation(KindSource.String())
	}
	p.should = should
	p.found = o.kind()

	switch p.found {
	case absent:
		p.is = absent
	case kindFile:
		is, err := digestFile(o.path, kind)
		if err != nil {
			return engine.NewApplyError("failed to checksum file", err).
				WithResource(o.path).
				WithOperation(KindSource.String())
		}
		p.is = is
	default:
		p.is = p.found
	}
	return nil
}

func (p *sourceProperty) InSync() bool {
	return p.is == p.should
}

func (p *sourceProperty) Apply(_ context.Context, o *object) (engine.EventKind, error) {
	if p.InSync() {
		return "", nil
	}
	if p.found != absent && p.found != kindFile {
		return "", engine.NewApplyError(fmt.Sprintf("cannot copy file content over a %s", p.found), nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(o.path).
			WithOperation(KindSource.String())
	}

	src := p.r.src
	keep := src.info.Mode().Perm()
	if o.isRegular() {
		keep = o.info.Mode().Perm()
	}

	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return "", engine.NewApplyError("failed to create parent directory", err).
			WithResource(o.path).
			WithOperation(KindSource.String())
	}
	if err := copyFile(src.path, o.path, keep); err != nil {
		return "", engine.NewApplyError("failed to copy source", err).
			WithResource(o.path).
			WithOperation(KindSource.String()).
			WithDetail("source", p.r.cfg.Source)
	}

	ev := engine.EventContentReplaced
	if !o.exists {
		ev = engine.EventCreated
	}
	p.is, p.found = p.should, kindFile
	return ev, nil
}

func (p *sourceProperty) Is() string { return p.is }

func (p *sourceProperty) Should() string { return p.should }

// contentKind is the digest used to compare source and destination content.
// Time based checksum kinds never match between two files, so they fall back to md5.
func (r *Resource) contentKind() ChecksumKind {
	if r.cfg.Checksum == ChecksumSHA256 {
		return ChecksumSHA256
	}
	return ChecksumMD5
}

// copyFile atomically replaces dst with the content of src.
func copyFile(src, dst string, perm fs.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(dst, data, perm)
}
