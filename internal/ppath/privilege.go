package ppath

import (
	"golang.org/x/sys/unix"

	cerrors "turbulenced/errors"
)

// ChangeRoot chroots the calling process into def.Chroot, then chdirs to
// "/". A Def with no chroot configured, or a process whose real uid is not
// 0, is a silent no-op, not an error (spec.md §4.6.5, mirroring the
// original's own permissive behavior when the process isn't root or the def
// doesn't request it).
func ChangeRoot(def *Def) error {
	if def.Chroot == "" || unix.Getuid() != 0 {
		return nil
	}
	if err := unix.Chroot(def.Chroot); err != nil {
		return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "ppath.ChangeRoot")
	}
	return unix.Chdir("/")
}

// ChangeUserID drops privileges to def.UserID/def.GroupID. Order matters:
// the group id must be set before the user id, and this must run after
// ChangeRoot. A Def with no run-as-user configured is a silent no-op.
func ChangeUserID(def *Def) error {
	if def.UserID == nil {
		return nil
	}
	if def.GroupID != nil {
		if err := unix.Setgid(*def.GroupID); err != nil {
			return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "ppath.ChangeUserID")
		}
	}
	if err := unix.Setuid(*def.UserID); err != nil {
		return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "ppath.ChangeUserID")
	}
	return nil
}

// ChangeWorkDir chdirs into def.WorkDir, if configured.
func ChangeWorkDir(def *Def) error {
	if def.WorkDir == "" {
		return nil
	}
	if err := unix.Chdir(def.WorkDir); err != nil {
		return cerrors.Wrap(err, cerrors.ErrChildSpawnFailed, "ppath.ChangeWorkDir")
	}
	return nil
}
