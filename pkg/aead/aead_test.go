package aead

import (
	"bytes"
	"testing"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key32(b byte) []byte {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ad   any
	}{
		{name: "no aad", ad: nil},
		{name: "simple aad", ad: map[string]any{"x": float64(1)}},
		{name: "aad with out-of-order keys", ad: map[string]any{"b": 2, "a": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := key32(0x42)
			plaintext := []byte(`{"hello":"world"}`)

			env, err := Encrypt(random.System(), k, plaintext, tt.ad)
			require.NoError(t, err)
			assert.Equal(t, Alg, env.Alg)
			assert.Equal(t, EnvelopeVersion, env.V)

			got, err := Decrypt(k, env, tt.ad)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plaintext, got))
		})
	}
}

func TestDecryptAadMismatch(t *testing.T) {
	k := key32(0x01)
	env, err := Encrypt(random.System(), k, []byte("secret"), map[string]any{"ns": "NS1"})
	require.NoError(t, err)

	_, err = Decrypt(k, env, map[string]any{"ns": "NS2"})
	require.ErrorIs(t, err, coralerr.ErrAeadAadMismatch)
}

func TestDecryptAadPresenceMismatch(t *testing.T) {
	k := key32(0x01)

	withAAD, err := Encrypt(random.System(), k, []byte("secret"), map[string]any{"ns": "NS1"})
	require.NoError(t, err)
	_, err = Decrypt(k, withAAD, nil)
	require.ErrorIs(t, err, coralerr.ErrAeadAadMismatch)

	withoutAAD, err := Encrypt(random.System(), k, []byte("secret"), nil)
	require.NoError(t, err)
	_, err = Decrypt(k, withoutAAD, map[string]any{"ns": "NS1"})
	require.ErrorIs(t, err, coralerr.ErrAeadAadMismatch)
}

func TestDecryptUnsupportedAlg(t *testing.T) {
	k := key32(0x01)
	env, err := Encrypt(random.System(), k, []byte("secret"), nil)
	require.NoError(t, err)

	env.Alg = "AES-CBC"
	_, err = Decrypt(k, env, nil)
	require.ErrorIs(t, err, coralerr.ErrAeadUnsupportedAlg)
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	_, err := Encrypt(random.System(), make([]byte, 16), []byte("x"), nil)
	require.Error(t, err)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(a))
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	ad1 := map[string]any{"namespace": map[string]any{"id": "NS1", "gateway_did": "G"}}
	ad2 := map[string]any{"namespace": map[string]any{"gateway_did": "G", "id": "NS1"}}

	b1, err := CanonicalJSON(ad1)
	require.NoError(t, err)
	b2, err := CanonicalJSON(ad2)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}
