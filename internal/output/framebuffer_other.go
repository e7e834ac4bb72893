//go:build !linux

package output

import "errors"

func openFramebuffer(string) (fbDevice, error) {
	return nil, errors.New("framebuffer output requires linux")
}
