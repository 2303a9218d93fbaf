package message

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cespare/xxhash"
)

const (
	AlgorithmES256 = "ES256"
	TypeEnvelope   = "x-propolis-message"
	version        = "1"
	signatureSize  = 64
)

// Address identifies a sender on the exchange, derived from its public key.
type Address string

func AddressFor(publicKey *ecdsa.PublicKey) Address {
	h := xxhash.New()
	h.Write(publicKey.X.Bytes())
	h.Write(publicKey.Y.Bytes())
	return Address(base58.Encode(h.Sum(nil)))
}

type Header struct {
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	Version   string `json:"v"`
	Timestamp int64  `json:"ts"`
}

type Envelope struct {
	ID          string
	Header      Header
	ContentType string
	Payload     []byte
	Sender      Address
}

type PublicKeyFn func(header *Header) (*ecdsa.PublicKey, error)

var (
	ErrorInvalidSignature = errors.New("invalid signature")
	ErrorMissingPayload   = errors.New("missing payload")
	ErrorInvalidMessage   = errors.New("invalid message")
)

// Sign serialises payload into a compact three segment envelope signed with
// privateKey. The returned id is stable for a given signature.
func Sign(payload interface{}, contentType string, privateKey *ecdsa.PrivateKey) (string, string, error) {
	if payload == nil {
		return "", "", ErrorMissingPayload
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshalling payload: %w", err)
	}

	sender := AddressFor(&privateKey.PublicKey)
	header := &Header{
		KeyID:     string(sender),
		Algorithm: AlgorithmES256,
		Type:      TypeEnvelope + ";" + contentType,
		Version:   version,
		Timestamp: time.Now().UTC().UnixMilli(),
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return "", "", fmt.Errorf("marshalling header: %w", err)
	}
	signingString := encodeSegment(headerBytes) + "." + encodeSegment(payloadBytes)

	digest := sha256.Sum256([]byte(signingString))
	r, s, err := ecdsa.Sign(rand.Reader, privateKey, digest[:])
	if err != nil {
		return "", "", fmt.Errorf("signing envelope: %w", err)
	}

	signature := make([]byte, signatureSize)
	r.FillBytes(signature[:signatureSize/2])
	s.FillBytes(signature[signatureSize/2:])

	return signingString + "." + encodeSegment(signature), envelopeID(signature, header.KeyID), nil
}

func Parse(data []byte, publicKeyFn PublicKeyFn) (*Envelope, error) {
	segments := strings.Split(string(data), ".")
	if len(segments) != 3 {
		return nil, ErrorInvalidMessage
	}

	e := &Envelope{}
	headerBytes, err := decodeSegment(segments[0])
	if err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &e.Header); err != nil {
		return nil, fmt.Errorf("unmarshalling header: %w", err)
	}

	if e.Header.Algorithm != AlgorithmES256 {
		return nil, fmt.Errorf("unsupported algorithm: %s", e.Header.Algorithm)
	}
	typeParts := strings.SplitN(e.Header.Type, ";", 2)
	if typeParts[0] != TypeEnvelope || len(typeParts) != 2 {
		return nil, fmt.Errorf("unsupported type: %s", e.Header.Type)
	}
	if e.Header.Version != version {
		return nil, fmt.Errorf("unsupported version: %s", e.Header.Version)
	}
	e.ContentType = typeParts[1]
	e.Sender = Address(e.Header.KeyID)

	signature, err := decodeSegment(segments[2])
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	if len(signature) != signatureSize {
		return nil, ErrorInvalidSignature
	}

	publicKey, err := publicKeyFn(&e.Header)
	if err != nil {
		return nil, fmt.Errorf("getting public key: %w", err)
	}
	digest := sha256.Sum256([]byte(segments[0] + "." + segments[1]))
	r := new(big.Int).SetBytes(signature[:signatureSize/2])
	s := new(big.Int).SetBytes(signature[signatureSize/2:])
	if !ecdsa.Verify(publicKey, digest[:], r, s) {
		return nil, ErrorInvalidSignature
	}

	e.Payload, err = decodeSegment(segments[1])
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	e.ID = envelopeID(signature, e.Header.KeyID)

	return e, nil
}

func envelopeID(signature []byte, keyID string) string {
	sum := sha256.Sum256(signature)
	return base58.Encode(sum[:]) + "." + keyID
}

func encodeSegment(seg []byte) string {
	return base64.RawURLEncoding.EncodeToString(seg)
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}
