//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return unix.Fdatasync(int(file.Fd()))
}

// syncDir persists a rename in dir.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.Fsync(int(f.Fd()))
}
