package agent

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

var errUnknownUser = errors.New("unknown guest user")

// guestUser is the account a guest operation runs as.
type guestUser struct {
	name string
	home string
	uid  uint32
	gid  uint32
	// switchTo is set when the agent has to change credentials to act as
	// this user.
	switchTo bool
}

// lookupUser resolves username. The password is not checked: callers are
// authenticated by the agent token. An agent that does not run as root can
// only act as itself.
func lookupUser(username string) (*guestUser, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("%w %q", errUnknownUser, username)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q: bad uid %q", username, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q: bad gid %q", username, u.Gid)
	}

	gu := &guestUser{name: u.Username, home: u.HomeDir, uid: uint32(uid), gid: uint32(gid)}
	euid := os.Geteuid()
	switch {
	case euid == int(gu.uid):
	case euid == 0:
		gu.switchTo = true
	default:
		return nil, fmt.Errorf("%w %q: agent cannot act as another user", errUnknownUser, username)
	}
	return gu, nil
}

func (u *guestUser) credential() *syscall.Credential {
	if !u.switchTo {
		return nil
	}
	return &syscall.Credential{Uid: u.uid, Gid: u.gid}
}

// chown hands path to the user when the agent acts on its behalf.
func (u *guestUser) chown(path string) error {
	if !u.switchTo {
		return nil
	}
	return os.Lchown(path, int(u.uid), int(u.gid))
}

// env returns the base environment of a process started for the user.
func (u *guestUser) env() []string {
	return []string{
		"HOME=" + u.home,
		"USER=" + u.name,
		"LOGNAME=" + u.name,
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
}
