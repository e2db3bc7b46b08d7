//go:build !unix

package daemon

import "errors"

func SetGroup(name string) error {
	return errors.New("setting the process group is not supported on this platform")
}
