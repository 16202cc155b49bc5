package mpir

// brk #0, little endian
var trapInstr = []byte{0x00, 0x00, 0x20, 0xd4}

const pcAfterTrap = 0
