//go:build unix

package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/openuds/udstunnel/internal/obs"
)

// dropPrivileges switches to name when running as root. Group first, user second.
func dropPrivileges(name string) error {
	if os.Geteuid() != 0 {
		obs.Debug("privileges.keep", obs.Fields{"reason": "not root", "user": name})
		return nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("gid %q: %w", u.Gid, err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	obs.Info("privileges.dropped", obs.Fields{"user": name, "uid": uid, "gid": gid})
	return nil
}
