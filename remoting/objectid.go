package remoting

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// ObjectId is the stable string identity of an object, shaped
// "{Hostname}/{ProcessId}/{TypeFullName}/{IdentityHash}". Peers only ever
// parse the first two segments (the InstanceIdentifier); the type name and
// hash exist to make collisions between unrelated objects astronomically
// unlikely and the id readable in logs.
type ObjectId string

// InstanceIdentifier is the "{Hostname}/{ProcessId}" prefix shared by every
// ObjectId minted in one process lifetime.
type InstanceIdentifier string

var processInstanceIdentifier InstanceIdentifier

func init() {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	processInstanceIdentifier = InstanceIdentifier(fmt.Sprintf("%s/%d", host, os.Getpid()))
}

// OwnInstanceIdentifier returns this process's InstanceIdentifier, minted
// once at process start from its hostname and pid.
func OwnInstanceIdentifier() InstanceIdentifier {
	return processInstanceIdentifier
}

var nextIdentityHash uint64

// NewObjectId mints a fresh ObjectId for a local object of type typeFullName,
// owned by this process.
func NewObjectId(typeFullName string) ObjectId {
	n := atomic.AddUint64(&nextIdentityHash, 1)
	hash := uuid.NewString()[:8] + fmt.Sprintf("%x", n)
	return ObjectId(fmt.Sprintf("%s/%s/%s", processInstanceIdentifier, typeFullName, hash))
}

// Identifier returns id's InstanceIdentifier: the first two "/"-separated
// segments, the only part peers are allowed to parse.
func (id ObjectId) Identifier() InstanceIdentifier {
	parts := strings.SplitN(string(id), "/", 3)
	if len(parts) < 2 {
		return InstanceIdentifier(id)
	}
	return InstanceIdentifier(parts[0] + "/" + parts[1])
}

// IsLocal reports whether id was minted by this process.
func (id ObjectId) IsLocal() bool {
	return strings.HasPrefix(string(id), string(processInstanceIdentifier)+"/")
}

// IsLocalTo reports whether id was minted by the process identified by own.
// Used on the bootstrap/peer side, where "local" means "local to the peer
// we are validating a RemoteReference against," not to this process.
func (id ObjectId) IsLocalTo(own InstanceIdentifier) bool {
	return id.Identifier() == own
}

func (id ObjectId) String() string { return string(id) }
