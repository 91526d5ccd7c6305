package daemonctx

import (
	"os/user"
	"strconv"
)

// lookupUser resolves user/group names to numeric ids via the standard
// library's name service lookup. An empty name/group leaves the
// corresponding return value at -1, meaning "caller's current id",
// matching original_source's "new_uid = getuid()" default before -u/-g
// are applied.
func lookupUser(name, group string) (uid, gid int, err error) {
	uid, gid = -1, -1

	if name != "" {
		u, lookupErr := user.Lookup(name)
		if lookupErr != nil {
			return 0, 0, lookupErr
		}
		n, convErr := strconv.Atoi(u.Uid)
		if convErr != nil {
			return 0, 0, convErr
		}
		uid = n
	}

	if group != "" {
		g, lookupErr := user.LookupGroup(group)
		if lookupErr != nil {
			return 0, 0, lookupErr
		}
		n, convErr := strconv.Atoi(g.Gid)
		if convErr != nil {
			return 0, 0, convErr
		}
		gid = n
	}

	return uid, gid, nil
}
