//go:build !amd64 && !arm64

package platform

func trap() { panic("opentmk: platform shutdown trap reached on an unsupported architecture") }
