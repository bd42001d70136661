//go:build linux

package status

import "golang.org/x/sys/unix"

func storageGB(path string) (free, total *float64) {
	if path == "" {
		path = "/"
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, nil
	}
	const gb = 1 << 30
	f := float64(uint64(st.Frsize)*st.Bavail) / gb
	t := float64(uint64(st.Frsize)*st.Blocks) / gb
	return &f, &t
}
