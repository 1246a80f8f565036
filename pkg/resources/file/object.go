package file

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Object kinds as reported by ensure.
const (
	kindFile      = "file"
	kindDirectory = "directory"
	kindLink      = "link"
	kindOther     = "other"
)

// object is the observed state of the managed path for one evaluation.
type object struct {
	path   string
	exists bool
	info   os.FileInfo // lstat
	stat   unix.Stat_t // lstat, raw

	// target is the followed object when path is a symlink whose target
	// exists.
	target     os.FileInfo
	targetStat unix.Stat_t
}

func observe(path string) (*object, error) {
	o := &object{path: path}
	return o, o.refresh()
}

// refresh re-reads the object from disk.
func (o *object) refresh() error {
	info, err := os.Lstat(o.path)
	if errors.Is(err, fs.ErrNotExist) {
		o.exists, o.info, o.stat = false, nil, unix.Stat_t{}
		o.target, o.targetStat = nil, unix.Stat_t{}
		return nil
	}
	if err != nil {
		return err
	}
	if err := unix.Lstat(o.path, &o.stat); err != nil {
		return err
	}
	o.exists, o.info = true, info

	o.target, o.targetStat = nil, unix.Stat_t{}
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Stat(o.path)
		if err != nil {
			return nil
		}
		if err := unix.Stat(o.path, &o.targetStat); err != nil {
			return nil
		}
		o.target = target
	}
	return nil
}

// followed returns the object chmod and content reads act on: the target of
// a symlink, or the object itself. ok is false when there is none.
func (o *object) followed() (info os.FileInfo, stat *unix.Stat_t, ok bool) {
	switch {
	case !o.exists:
		return nil, nil, false
	case o.isLink():
		if o.target == nil {
			return nil, nil, false
		}
		return o.target, &o.targetStat, true
	default:
		return o.info, &o.stat, true
	}
}

func (o *object) isLink() bool {
	return o.exists && o.info.Mode()&fs.ModeSymlink != 0
}

func (o *object) isDir() bool {
	return o.exists && o.info.IsDir()
}

func (o *object) isRegular() bool {
	return o.exists && o.info.Mode().IsRegular()
}

// kind classifies the object. Links are followed when their target exists.
func (o *object) kind() string {
	if !o.exists {
		return absent
	}
	info, _, ok := o.followed()
	if !ok {
		return kindLink
	}
	switch {
	case info.IsDir():
		return kindDirectory
	case info.Mode().IsRegular():
		return kindFile
	default:
		return kindOther
	}
}

func (o *object) uid() int { return int(o.stat.Uid) }
func (o *object) gid() int { return int(o.stat.Gid) }

// perm returns the permission, set-id and sticky bits of st.
func perm(st *unix.Stat_t) uint32 { return uint32(st.Mode) & 0o7777 }
