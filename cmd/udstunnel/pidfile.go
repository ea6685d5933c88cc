package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/openuds/udstunnel/internal/obs"
)

func writePidFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

func removePidFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		obs.Warn("pidfile.remove", obs.Fields{"err": err.Error(), "path": path})
	}
}
