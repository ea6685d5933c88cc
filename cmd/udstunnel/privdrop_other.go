//go:build !unix

package main

import "github.com/openuds/udstunnel/internal/obs"

func dropPrivileges(name string) error {
	obs.Warn("privileges.unsupported", obs.Fields{"user": name})
	return nil
}
