package wa

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"aegis.dev/internal/crypto"
)

// certPayload is the canonical byte encoding a parent signs when vouching
// for a child certificate. CBOR canonical mode keeps the encoding
// deterministic across processes.
type certPayload struct {
	ID        string `cbor:"1,keyasint"`
	PublicKey string `cbor:"2,keyasint"`
	Role      string `cbor:"3,keyasint"`
}

var canonicalEnc cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wa: cbor canonical mode: %v", err))
	}
	canonicalEnc = em
}

// SignPayload returns the canonical bytes a parent signs over
// (id, public_key, role).
func SignPayload(id, publicKey string, role Role) ([]byte, error) {
	return canonicalEnc.Marshal(certPayload{ID: id, PublicKey: publicKey, Role: string(role)})
}

// SignPayloadWith signs the canonical payload with a parent's private key
// and returns the base64 signature stored on the child certificate.
func SignPayloadWith(priv ed25519.PrivateKey, id, publicKey string, role Role) (string, error) {
	payload, err := SignPayload(id, publicKey, role)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(priv, payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyParentSignature checks a certificate's parent signature against the
// parent's public key.
func VerifyParentSignature(cert, parent *Certificate) error {
	if cert.ParentSignature == "" {
		return fmt.Errorf("%w: %s has no parent signature", ErrChainBroken, cert.ID)
	}
	payload, err := SignPayload(cert.ID, cert.PublicKey, cert.Role)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(cert.ParentSignature)
	if err != nil {
		return fmt.Errorf("%w: %s parent signature not base64", ErrChainBroken, cert.ID)
	}
	pub, err := crypto.DecodePublicKey(parent.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: parent %s public key: %v", ErrChainBroken, parent.ID, err)
	}
	if !crypto.Verify(pub, payload, sig) {
		return fmt.Errorf("%w: %s not vouched by %s", ErrChainBroken, cert.ID, parent.ID)
	}
	return nil
}

// VerifyChain validates the trust chain from cert up to the root: every
// link's parent signature must verify against its parent's public key, and
// every ancestor must still be active. A break anywhere invalidates the
// certificate for authority purposes even if it is individually well-formed.
func VerifyChain(ctx context.Context, store Store, cert *Certificate) error {
	if cert == nil {
		return ErrInvalidInput
	}
	if cert.Role == RoleRoot {
		if !cert.Active {
			return fmt.Errorf("%w: root %s inactive", ErrChainBroken, cert.ID)
		}
		return nil
	}

	chain, err := store.ParentChain(ctx, cert.ID)
	if err != nil {
		return fmt.Errorf("walk chain for %s: %w", cert.ID, err)
	}
	if len(chain) < 2 || chain[len(chain)-1].Role != RoleRoot {
		return fmt.Errorf("%w: %s does not terminate at a root", ErrChainBroken, cert.ID)
	}
	for i := 0; i < len(chain)-1; i++ {
		child, parent := chain[i], chain[i+1]
		if !parent.Active {
			return fmt.Errorf("%w: ancestor %s inactive", ErrChainBroken, parent.ID)
		}
		if err := VerifyParentSignature(child, parent); err != nil {
			return err
		}
	}
	return nil
}
