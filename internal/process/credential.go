package process

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

// ParseCredential parses a "uid:gid" or "uid" string into a Credential,
// used when the caller has nothing but a colon-separated config value.
func ParseCredential(user string) (*syscall.Credential, error) {
	if user == "" {
		return nil, nil
	}

	parts := strings.SplitN(user, ":", 2)
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid in user %q: %w", user, err)
	}

	gid := uid // default gid = uid
	if len(parts) > 1 {
		gid, err = strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid gid in user %q: %w", user, err)
		}
	}

	return &syscall.Credential{
		Uid: uint32(uid),
		Gid: uint32(gid),
	}, nil
}

// BuildSysProcAttrFromIDs creates SysProcAttr with process group isolation
// and a credential switching to (uid, gid, groups), the form a caller that
// already resolved a passwd entry has on hand.
func BuildSysProcAttrFromIDs(uid, gid uint32, groups []uint32) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
		Credential: &syscall.Credential{
			Uid:    uid,
			Gid:    gid,
			Groups: groups,
		},
	}
}

// BuildSysProcAttr creates SysProcAttr with process group isolation
// and optional credential switching, parsed from a "uid:gid" string.
func BuildSysProcAttr(user string) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{
		Setpgid: true,
	}

	cred, err := ParseCredential(user)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		attr.Credential = cred
	}

	return attr, nil
}
