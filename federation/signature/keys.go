// Package signature implements the draft-cavage HTTP signature scheme the
// fediverse settled on: RSA keys, a signing string over named headers, and
// a Digest header binding the signature to the request body.
package signature

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/url"

	"github.com/pkg/errors"
)

// Remote software widely requires at least 2048 bits; local actors get 4096.
const keyBits = 4096

// GenerateKeyPair mints an RSA key pair, returning both halves PEM encoded
// (PKCS#8 private, PKIX public).
func GenerateKeyPair() (privatePEM, publicPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to generate rsa key")
	}
	return EncodeKeyPair(key)
}

// EncodeKeyPair PEM-encodes an existing key pair.
func EncodeKeyPair(key *rsa.PrivateKey) (privatePEM, publicPEM string, err error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal private key")
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal public key")
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privatePEM, publicPEM, nil
}

// ParsePrivateKey reads a PEM private key in PKCS#8 or PKCS#1 form.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	return key, nil
}

// ParsePublicKey reads a PEM public key in PKIX or PKCS#1 form.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	return key, nil
}

// OwnerURL strips the fragment from a key id, leaving the actor URL that
// owns the key. The conventional key id is <actor>#main-key.
func OwnerURL(keyID string) string {
	u, err := url.Parse(keyID)
	if err != nil {
		return keyID
	}
	u.Fragment = ""
	return u.String()
}

// KeyID returns the conventional key id for an actor URL.
func KeyID(actorURL string) string {
	return actorURL + "#main-key"
}
