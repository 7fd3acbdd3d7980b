// Package aead implements CoralKM's authenticated-encryption scheme
// (spec §4.1): AES-256-GCM with a 96-bit random IV per call, associated data
// that is either absent or the canonical JSON of a caller-supplied context
// object, and a serialized envelope of {alg, v, iv, ct, aad?}.
//
// Grounded on the AES-256-GCM handling in the teacher's pkg/security
// (crypto/aes + crypto/cipher, random nonce, Seal/Open), generalized to the
// envelope and AAD-presence-matching rules spec §4.1 requires.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/random"
)

// KeySize is the length in bytes of a DEK usable with this package.
const KeySize = 32

// Alg is the only algorithm identifier this package emits or accepts.
const Alg = "AES-GCM"

// EnvelopeVersion is the wire version of the envelope format.
const EnvelopeVersion = 1

// Envelope is the serializable ciphertext CoralKM stores and transmits.
// AAD is present only when the caller supplied associated data at
// encryption time; its presence must match at decryption time (spec §4.1).
type Envelope struct {
	Alg string `json:"alg"`
	V   int    `json:"v"`
	IV  string `json:"iv"`
	CT  string `json:"ct"`
	AAD string `json:"aad,omitempty"`
}

// Encrypt seals plaintext under key (which must be KeySize bytes), binding
// it to ad if provided. ad is canonicalized via CanonicalJSON before use, so
// callers may pass any JSON-marshalable context object.
func Encrypt(src random.Source, key, plaintext []byte, ad any) (*Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := random.Bytes(src, gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("aead: generate iv: %w", err)
	}

	var aadBytes []byte
	var aadB64 string
	if ad != nil {
		aadBytes, err = CanonicalJSON(ad)
		if err != nil {
			return nil, fmt.Errorf("aead: canonicalize aad: %w", err)
		}
		aadB64 = base64.RawURLEncoding.EncodeToString(aadBytes)
	}

	ct := gcm.Seal(nil, nonce, plaintext, aadBytes)

	return &Envelope{
		Alg: Alg,
		V:   EnvelopeVersion,
		IV:  base64.RawURLEncoding.EncodeToString(nonce),
		CT:  base64.RawURLEncoding.EncodeToString(ct),
		AAD: aadB64,
	}, nil
}

// Decrypt opens env under key, requiring ad's presence to match how the
// envelope was encrypted and, when both are present, its canonical bytes to
// be identical (constant-time compare).
func Decrypt(key []byte, env *Envelope, ad any) ([]byte, error) {
	if env.Alg != Alg {
		return nil, fmt.Errorf("aead: alg %q: %w", env.Alg, coralerr.ErrAeadUnsupportedAlg)
	}

	var wantAAD []byte
	if ad != nil {
		var err error
		wantAAD, err = CanonicalJSON(ad)
		if err != nil {
			return nil, fmt.Errorf("aead: canonicalize aad: %w", err)
		}
	}

	if (len(wantAAD) > 0) != (env.AAD != "") {
		return nil, fmt.Errorf("aead: aad presence mismatch: %w", coralerr.ErrAeadAadMismatch)
	}

	var envAAD []byte
	if env.AAD != "" {
		var err error
		envAAD, err = base64.RawURLEncoding.DecodeString(env.AAD)
		if err != nil {
			return nil, fmt.Errorf("aead: decode aad: %w", err)
		}
		if len(envAAD) != len(wantAAD) || subtle.ConstantTimeCompare(envAAD, wantAAD) != 1 {
			return nil, fmt.Errorf("aead: aad mismatch: %w", coralerr.ErrAeadAadMismatch)
		}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.RawURLEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("aead: decode iv: %w", err)
	}
	ct, err := base64.RawURLEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("aead: decode ct: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ct, envAAD)
	if err != nil {
		return nil, fmt.Errorf("aead: open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d: %w", KeySize, len(key), coralerr.ErrInvalidArgument)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead: new gcm: %w", err)
	}
	return gcm, nil
}

// CanonicalJSON marshals v as JSON with object keys sorted lexicographically
// at every nesting level, so that two equivalent Go values always produce
// byte-identical associated data.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalize(generic)
}

func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sortStrings(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalize(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// sortStrings avoids importing "sort" twice across this small file's
// call sites; insertion sort is fine, AAD objects are small.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
