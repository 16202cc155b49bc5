package mpir

// int3
var trapInstr = []byte{0xcc}

// pcAfterTrap is how far the PC has moved past the breakpoint when the trap
// is reported.
const pcAfterTrap = 1
