package noisetunnel

import "runtime"

// zeroBytes overwrites a byte slice with zeros and prevents the
// compiler from eliding the write as a dead store, following the
// memory-hygiene convention this package is grounded on
// (infrastructure/cryptography/mem.ZeroBytes in the example pack).
func zeroBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
