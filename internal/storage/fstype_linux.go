//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// Superblock magic numbers of network filesystems (see statfs(2)).
var linuxNetworkFS = map[int64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
}

func statFilesystem(path string) (fsInfo, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return fsInfo{}, err
	}
	magic := int64(st.Type)
	if name, ok := linuxNetworkFS[magic]; ok {
		return fsInfo{Name: name, Network: true}, nil
	}
	return fsInfo{Name: fmt.Sprintf("0x%x", magic)}, nil
}
