//go:build !amd64 && !arm64

package mpir

var trapInstr []byte

const pcAfterTrap = 0
