//go:build darwin

package storage

import (
	"strings"
	"syscall"
)

var darwinNetworkFS = []string{"afpfs", "nfs", "smbfs", "webdav", "cifs"}

func statFilesystem(path string) (fsInfo, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return fsInfo{}, err
	}
	var b strings.Builder
	for _, c := range st.Fstypename {
		if c == 0 {
			break
		}
		b.WriteByte(byte(c))
	}
	name := b.String()
	for _, n := range darwinNetworkFS {
		if strings.EqualFold(name, n) {
			return fsInfo{Name: name, Network: true}, nil
		}
	}
	return fsInfo{Name: name}, nil
}
