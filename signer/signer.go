// Package signer produces and checks detached ed25519 signatures over the
// canonical JSON form of verdicts and receipts.
//
// The canonical form is the compact JSON encoding of the document with object
// keys sorted at every depth and HTML escaping disabled. The top-level
// "signature" field is never part of the signed bytes.
package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// SignatureField is the top-level key that carries the detached signature.
const SignatureField = "signature"

var (
	ErrNotObject        = errors.New("signer: payload is not a JSON object")
	ErrMissingSignature = errors.New("signer: document has no signature field")
)

// Canonical returns the canonical JSON bytes of v.
func Canonical(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("signer: decode: %w", err)
	}
	return encode(generic)
}

// Unsigned returns the object view of v with the top-level signature removed.
func Unsigned(v any) (map[string]any, error) {
	raw, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, ErrNotObject
	}
	delete(obj, SignatureField)
	return obj, nil
}

func signedBytes(payload any) ([]byte, error) {
	obj, err := Unsigned(payload)
	if err != nil {
		return nil, err
	}
	return Canonical(obj)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("signer: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Signer holds one private key for the life of a service.
type Signer struct {
	priv ed25519.PrivateKey
}

func New(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: invalid ed25519 private key length %d", len(priv))
	}
	return &Signer{priv: priv}, nil
}

// Sign returns the base64 signature over payload minus its signature field.
func (s *Signer) Sign(payload any) (string, error) {
	msg, err := signedBytes(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, msg)), nil
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Verify reports whether signature matches payload under pub. Any field added,
// removed, renamed or changed makes it false.
func Verify(payload any, signature string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	msg, err := signedBytes(payload)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyDocument checks a signed JSON object as it was written to disk or the ledger.
func VerifyDocument(doc []byte, pub ed25519.PublicKey) (bool, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return false, ErrNotObject
	}
	sig, ok := obj[SignatureField].(string)
	if !ok || sig == "" {
		return false, ErrMissingSignature
	}
	return Verify(obj, sig, pub), nil
}
