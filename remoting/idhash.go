package remoting

import (
	"crypto/sha512"
	"encoding/binary"
)

// hashConnectionIdentifier derives the 4-byte connectionIdentifier carried in
// the authentication token (spec §4.6: "bytes 1..4 = connectionIdentifier =
// hash(initiator-instance-id)") from the initiator's InstanceIdentifier. Two
// initiators with different identifiers get different connection identifiers
// with overwhelming probability; the acceptor uses this value, not the
// initiator's identity string itself, to pair the reverse socket with the
// primary one.
func hashConnectionIdentifier(initiatorInstanceID string) [4]byte {
	sum := sha512.Sum512([]byte(initiatorInstanceID))
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// connectionIdentifierUint32 is a convenience form of hashConnectionIdentifier
// for use as a map key in the acceptor's pending-reverse-socket table.
func connectionIdentifierUint32(initiatorInstanceID string) uint32 {
	h := hashConnectionIdentifier(initiatorInstanceID)
	return binary.LittleEndian.Uint32(h[:])
}
