package file

import (
	"time"

	"golang.org/x/sys/unix"
)

func ctime(st *unix.Stat_t) time.Time {
	sec, nsec := st.Ctim.Unix()
	return time.Unix(sec, nsec)
}
