// Package security decrypts at-rest credentials and keeps their plaintext
// out of persisted output. Key material is process-wide configuration; the
// pipeline declaration only ever carries ciphertext.
package security

import (
	"fmt"

	"github.com/matrixci/matrixci/internal/types"
)

// Scheme selects the decryption mechanism for a secure value.
type Scheme string

const (
	SchemeAES Scheme = "aes"
	SchemeAge Scheme = "age"
)

// Ref identifies one encrypted credential: a human-readable name used in
// logs and errors (e.g. "pypi password"), the scheme that sealed it, and
// the opaque ciphertext.
type Ref struct {
	Name       string
	Scheme     Scheme
	Ciphertext string
}

// SecretError is a decryption failure: bad key, corrupted ciphertext, or a
// scheme with no configured key. It is fatal to the single job requesting
// the secret and never aborts sibling jobs.
type SecretError struct {
	Name string
	Err  error
}

func (se SecretError) Error() string {
	return fmt.Sprintf("secret %q: %v", se.Name, se.Err)
}

func (se SecretError) Unwrap() error {
	return se.Err
}

// Resolver decrypts a secret inside the execution context of the job that
// needs it.
type Resolver interface {
	Resolve(ref Ref, bctx *types.BuildContext) (string, error)
}

// Keychain is the process-wide Resolver. Either key may be absent; a ref
// whose scheme has no key fails with a SecretError.
type Keychain struct {
	aes *AESEncrypter
	age *AgeIdentity
}

func NewKeychain(aesKey []byte, ageKey string) (*Keychain, error) {
	kc := new(Keychain)
	if len(aesKey) > 0 {
		kc.aes = NewAESEncrypter(aesKey)
	}
	if ageKey != "" {
		id, err := NewAgeIdentity(ageKey)
		if err != nil {
			return nil, err
		}
		kc.age = id
	}
	return kc, nil
}

func (kc *Keychain) Resolve(ref Ref, _ *types.BuildContext) (string, error) {
	switch ref.Scheme {
	case SchemeAES, "":
		if kc.aes == nil {
			return "", SecretError{Name: ref.Name, Err: fmt.Errorf("no aes key configured")}
		}
		plaintext, err := kc.aes.DecryptAES(ref.Ciphertext)
		if err != nil {
			return "", SecretError{Name: ref.Name, Err: err}
		}
		return string(plaintext), nil
	case SchemeAge:
		if kc.age == nil {
			return "", SecretError{Name: ref.Name, Err: fmt.Errorf("no age key configured")}
		}
		plaintext, err := kc.age.Decrypt(ref.Ciphertext)
		if err != nil {
			return "", SecretError{Name: ref.Name, Err: err}
		}
		return plaintext, nil
	default:
		return "", SecretError{
			Name: ref.Name,
			Err:  fmt.Errorf("unknown scheme %q", ref.Scheme),
		}
	}
}
