package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"firma-sign/core/internal/model"
)

const (
	saltSize   = 32
	ivSize     = 16
	keySize    = 32
	pbkdf2Iter = 100_000
)

// Envelope is the output of Encrypt and the required input to Decrypt.
type Envelope struct {
	Ciphertext []byte
	Salt       []byte
	IV         []byte
	Tag        []byte
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iter, keySize, sha256.New)
}

// Encrypt seals data under password using AES-256-GCM with a PBKDF2-SHA256
// derived key, per §4.10.
func Encrypt(data []byte, password string) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, model.Wrap(model.OperationFailed, "generate salt", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, model.Wrap(model.OperationFailed, "generate iv", err)
	}
	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "new cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "new gcm", err)
	}
	sealed := gcm.Seal(nil, iv, data, nil)
	ct := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]
	return &Envelope{Ciphertext: ct, Salt: salt, IV: iv, Tag: tag}, nil
}

// Decrypt opens an Envelope produced by Encrypt. Returns AuthFailed if the
// tag does not verify.
func Decrypt(env *Envelope, password string) ([]byte, error) {
	key := deriveKey(password, env.Salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "new cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, model.Wrap(model.OperationFailed, "new gcm", err)
	}
	sealed := append(append([]byte(nil), env.Ciphertext...), env.Tag...)
	plain, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, model.Wrap(model.AuthFailed, "decrypt", err)
	}
	return plain, nil
}
