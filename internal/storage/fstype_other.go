//go:build !darwin && !linux

package storage

func statFilesystem(string) (fsInfo, error) {
	return fsInfo{Name: "unknown"}, nil
}
