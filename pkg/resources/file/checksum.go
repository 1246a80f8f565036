package file

import (
	"context"
	"crypto/md5" //nolint:gosec // md5 is a change detector here, not a security control
	_ "crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/openfroyo/converge/pkg/engine"
)

// md5LiteSize is how much of a file md5-lite digests.
const md5LiteSize = 512

// checksumProperty detects content drift against the baseline recorded by an
// earlier run. The first observation of a file records a baseline silently.
type checksumProperty struct {
	r      *Resource
	kind   ChecksumKind
	is     string
	should string
}

func (p *checksumProperty) Kind() PropertyKind { return KindChecksum }

func (p *checksumProperty) Retrieve(_ context.Context, o *object) error {
	switch {
	case !o.exists:
		p.is, p.should = absent, absent
		return nil
	case o.isDir():
		p.is, p.should = kindDirectory, kindDirectory
		return nil
	}

	sum, err := computeChecksum(o, p.kind)
	if err != nil {
		return engine.NewApplyError("failed to checksum file", err).
			WithResource(o.path).
			WithOperation(KindChecksum.String())
	}
	p.is = sum

	baselines := p.r.env.Baselines
	prev, ok := baselines.Get(p.r.path, string(p.kind))
	if !ok {
		p.r.logger.Debug().
			Str("checksum", string(p.kind)).
			Str("value", sum).
			Msg("Recording initial baseline")
		baselines.Put(p.r.path, string(p.kind), sum)
		prev = sum
	}
	p.should = prev
	return nil
}

func (p *checksumProperty) InSync() bool {
	return p.is == p.should
}

// Apply records the current checksum as the new baseline.
func (p *checksumProperty) Apply(_ context.Context, o *object) (engine.EventKind, error) {
	if o.isDir() || !o.exists {
		return "", nil
	}

	sum, err := computeChecksum(o, p.kind)
	if err != nil {
		return "", engine.NewApplyError("failed to checksum file", err).
			WithResource(o.path).
			WithOperation(KindChecksum.String())
	}

	prev, ok := p.r.env.Baselines.Get(p.r.path, string(p.kind))
	p.r.env.Baselines.Put(p.r.path, string(p.kind), sum)
	p.is, p.should = sum, sum

	if !ok || prev == sum {
		return "", nil
	}
	return engine.EventContentModified, nil
}

// rebase records the current checksum without reporting a change. Sync uses it
// after changing metadata itself, which moves ctime.
func (p *checksumProperty) rebase(o *object) error {
	if err := o.refresh(); err != nil {
		return engine.NewApplyError("failed to inspect file", err).WithResource(o.path)
	}
	if !o.exists || o.isDir() {
		return nil
	}
	sum, err := computeChecksum(o, p.kind)
	if err != nil {
		return engine.NewApplyError("failed to checksum file", err).WithResource(o.path)
	}
	p.r.env.Baselines.Put(p.r.path, string(p.kind), sum)
	p.is, p.should = sum, sum
	return nil
}

func (p *checksumProperty) Is() string { return p.is }

func (p *checksumProperty) Should() string { return p.should }

// computeChecksum renders the checksum of kind for the observed object.
// Like the content kinds, the time kinds follow symlinks.
func computeChecksum(o *object, kind ChecksumKind) (string, error) {
	info, st, ok := o.followed()
	if !ok && (kind == ChecksumTimestamp || kind == ChecksumCtime) {
		return "", fmt.Errorf("%s: symlink target does not exist", o.path)
	}
	switch kind {
	case ChecksumTimestamp:
		return fmt.Sprintf("{%s}%s", kind, info.ModTime().UTC().Format(time.RFC3339Nano)), nil
	case ChecksumCtime:
		return fmt.Sprintf("{%s}%s", kind, ctime(st).UTC().Format(time.RFC3339Nano)), nil
	default:
		return digestFile(o.path, kind)
	}
}

// digestFile digests a file's content with a content based kind.
func digestFile(path string, kind ChecksumKind) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	switch kind {
	case ChecksumSHA256:
		d, err := digest.Canonical.FromReader(f)
		if err != nil {
			return "", err
		}
		return d.String(), nil

	case ChecksumMD5Lite:
		h := md5.New() //nolint:gosec
		if _, err := io.CopyN(h, f, md5LiteSize); err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return fmt.Sprintf("{%s}%s", kind, hex.EncodeToString(h.Sum(nil))), nil

	case ChecksumMD5, "":
		h := md5.New() //nolint:gosec
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return fmt.Sprintf("{%s}%s", ChecksumMD5, hex.EncodeToString(h.Sum(nil))), nil

	default:
		return "", fmt.Errorf("checksum kind %q does not digest content", kind)
	}
}
