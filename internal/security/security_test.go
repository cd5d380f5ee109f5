package security

import (
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
)

func TestAESEncrypter(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	t.Run("success - round trip", func(t *testing.T) {
		// arrange
		e := NewAESEncrypter(key)

		// act
		ciphertext, err := e.EncryptAES("pypi-password-123")
		assert.Nil(t, err)
		plaintext, err := e.DecryptAES(ciphertext)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "pypi-password-123", string(plaintext))
	})

	t.Run("failure - wrong key", func(t *testing.T) {
		// arrange
		ciphertext, err := NewAESEncrypter(key).EncryptAES("secret")
		assert.Nil(t, err)
		other := NewAESEncrypter([]byte("fedcba9876543210fedcba9876543210"))

		// act
		_, err = other.DecryptAES(ciphertext)

		// assert
		assert.NotNil(t, err)
	})

	t.Run("failure - garbage ciphertext", func(t *testing.T) {
		// act
		_, err := NewAESEncrypter(key).DecryptAES("not-hex")

		// assert
		assert.NotNil(t, err)
	})

	t.Run("failure - truncated ciphertext", func(t *testing.T) {
		// act
		_, err := NewAESEncrypter(key).DecryptAES("deadbeef")

		// assert
		assert.ErrorContains(t, err, "shorter than nonce")
	})
}

func TestAgeIdentity(t *testing.T) {
	t.Run("success - round trip", func(t *testing.T) {
		// arrange
		generated, err := age.GenerateX25519Identity()
		assert.Nil(t, err)
		identity, err := NewAgeIdentity(generated.String())
		assert.Nil(t, err)

		// act
		ciphertext, err := EncryptAge(identity.Recipient(), "release-token")
		assert.Nil(t, err)
		plaintext, err := identity.Decrypt(ciphertext)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "release-token", plaintext)
	})

	t.Run("failure - wrong identity", func(t *testing.T) {
		// arrange
		a, _ := age.GenerateX25519Identity()
		b, _ := age.GenerateX25519Identity()
		identity, err := NewAgeIdentity(b.String())
		assert.Nil(t, err)
		ciphertext, err := EncryptAge(a.Recipient().String(), "secret")
		assert.Nil(t, err)

		// act
		_, err = identity.Decrypt(ciphertext)

		// assert
		assert.NotNil(t, err)
	})

	t.Run("failure - invalid private key", func(t *testing.T) {
		// act
		_, err := NewAgeIdentity("AGE-SECRET-KEY-NOT-A-KEY")

		// assert
		assert.NotNil(t, err)
	})
}

func TestKeychainResolve(t *testing.T) {
	aesKey := []byte("0123456789abcdef0123456789abcdef")

	t.Run("success - aes scheme", func(t *testing.T) {
		// arrange
		ciphertext, err := NewAESEncrypter(aesKey).EncryptAES("hunter2secret")
		assert.Nil(t, err)
		kc, err := NewKeychain(aesKey, "")
		assert.Nil(t, err)

		// act
		plaintext, err := kc.Resolve(Ref{Name: "pypi password", Scheme: SchemeAES, Ciphertext: ciphertext}, nil)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "hunter2secret", plaintext)
	})

	t.Run("success - age scheme", func(t *testing.T) {
		// arrange
		generated, _ := age.GenerateX25519Identity()
		ciphertext, err := EncryptAge(generated.Recipient().String(), "token")
		assert.Nil(t, err)
		kc, err := NewKeychain(nil, generated.String())
		assert.Nil(t, err)

		// act
		plaintext, err := kc.Resolve(Ref{Name: "token", Scheme: SchemeAge, Ciphertext: ciphertext}, nil)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "token", plaintext)
	})

	t.Run("failure - missing key is a SecretError", func(t *testing.T) {
		// arrange
		kc, err := NewKeychain(nil, "")
		assert.Nil(t, err)

		// act
		_, err = kc.Resolve(Ref{Name: "pypi password", Scheme: SchemeAES, Ciphertext: "aa"}, nil)

		// assert
		var se SecretError
		assert.ErrorAs(t, err, &se)
		assert.Equal(t, "pypi password", se.Name)
	})

	t.Run("failure - bad ciphertext is a SecretError", func(t *testing.T) {
		// arrange
		kc, err := NewKeychain(aesKey, "")
		assert.Nil(t, err)

		// act
		_, err = kc.Resolve(Ref{Name: "pypi password", Ciphertext: "00"}, nil)

		// assert
		var se SecretError
		assert.ErrorAs(t, err, &se)
	})

	t.Run("failure - unknown scheme is a SecretError", func(t *testing.T) {
		// arrange
		kc, err := NewKeychain(aesKey, "")
		assert.Nil(t, err)

		// act
		_, err = kc.Resolve(Ref{Name: "x", Scheme: "pgp", Ciphertext: "00"}, nil)

		// assert
		var se SecretError
		assert.ErrorAs(t, err, &se)
	})
}

func TestRedactor(t *testing.T) {
	t.Run("registered secrets are masked", func(t *testing.T) {
		// arrange
		r := NewRedactor()
		r.Add("hunter2secret")

		// act
		out := r.Redact("uploading with password hunter2secret done")

		// assert
		assert.Equal(t, "uploading with password "+Mask+" done", out)
		assert.NotContains(t, out, "hunter2secret")
	})

	t.Run("short values are not registered", func(t *testing.T) {
		// arrange
		r := NewRedactor()
		r.Add("ab")

		// act
		out := r.Redact("ab is common text")

		// assert
		assert.Equal(t, "ab is common text", out)
	})

	t.Run("writer redacts line by line", func(t *testing.T) {
		// arrange
		r := NewRedactor()
		r.Add("topsecret")
		sink := new(strings.Builder)
		w := r.Writer(sink)

		// act
		_, err := w.Write([]byte("first topsecret line\nsecond top"))
		assert.Nil(t, err)
		_, err = w.Write([]byte("secret line\ntrailing topsecret"))
		assert.Nil(t, err)
		assert.Nil(t, w.Flush())

		// assert
		assert.Equal(
			t,
			"first "+Mask+" line\nsecond "+Mask+" line\ntrailing "+Mask,
			sink.String(),
		)
	})

	t.Run("secret added mid-stream applies to later lines", func(t *testing.T) {
		// arrange
		r := NewRedactor()
		sink := new(strings.Builder)
		w := r.Writer(sink)

		// act
		_, _ = w.Write([]byte("before\n"))
		r.Add("newsecret")
		_, _ = w.Write([]byte("after newsecret\n"))

		// assert
		assert.Equal(t, "before\nafter "+Mask+"\n", sink.String())
	})
}

func TestGenerateRandomKey(t *testing.T) {
	key := GenerateRandomKey(32)
	assert.Len(t, key, 32)
	assert.NotEqual(t, key, GenerateRandomKey(32))
}
