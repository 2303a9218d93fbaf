package crypt

import (
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rakutentech/jwk-go/jwk"
)

var ErrorNotECDSAKey = errors.New("key is not an ECDSA key")

// EncodePrivateKey writes a signing key as a base64 encoded JWK, the form the
// account key is configured in.
func EncodePrivateKey(privateKey *ecdsa.PrivateKey, keyID string) (string, error) {
	return encodeKey(privateKey, keyID)
}

func EncodePublicKey(publicKey *ecdsa.PublicKey, keyID string) (string, error) {
	return encodeKey(publicKey, keyID)
}

func encodeKey(key interface{}, keyID string) (string, error) {
	rawJWK, err := jwk.NewSpec(key).ToJWK()
	if err != nil {
		return "", fmt.Errorf("creating JWK: %w", err)
	}

	rawJWK.Use = "sig"
	rawJWK.Alg = "ES256"
	rawJWK.Kid = keyID

	keyData, err := rawJWK.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshalling JWK: %w", err)
	}
	return base64.StdEncoding.EncodeToString(keyData), nil
}

func DecodePrivateKey(encoded string) (*ecdsa.PrivateKey, error) {
	key, err := decodeKey(encoded)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ErrorNotECDSAKey
	}
	return privateKey, nil
}

func DecodePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	key, err := decodeKey(encoded)
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	}
	return nil, ErrorNotECDSAKey
}

func decodeKey(encoded string) (interface{}, error) {
	keyData, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}

	keySpec, err := jwk.Parse(string(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return keySpec.Key, nil
}
