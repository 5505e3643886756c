//go:build !linux

package parentwatch

func armDeathSignal() error { return nil }
