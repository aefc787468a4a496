package p2p

import (
	"crypto/rand"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"firma-sign/core/internal/model"
)

// identity is the node's keypair. Each Initialize generates a fresh one; it
// is not persisted, so the peer id changes across restarts. Its peer id is a content-addressed hash of the public key, derived by
// libp2p's own peer.IDFromPublicKey (the same multihash-of-pubkey scheme
// the teacher relies on implicitly via host.ID()).
type identity struct {
	priv crypto.PrivKey
	pub  crypto.PubKey
	id   peer.ID
}

func newIdentity() (*identity, error) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "generate node keypair", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "derive peer id", err)
	}
	return &identity{priv: priv, pub: pub, id: id}, nil
}
