//go:build !linux

package lsm

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}

func syncDir(dir string) error {
	return nil
}
