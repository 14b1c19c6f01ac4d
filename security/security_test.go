// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNonePolicy_SignVerifyIsNoOp(t *testing.T) {
	p := NewNonePolicy()
	ctx, err := p.NewContext(nil)
	require.NoError(t, err)

	sig := p.SymmetricSignature()
	require.Zero(t, sig.SignatureSize())

	out, err := sig.Sign(ctx, []byte("message"), nil)
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, sig.Verify(ctx, []byte("message"), nil))
}

func TestNonePolicy_EncryptDecryptIsIdentity(t *testing.T) {
	p := NewNonePolicy()
	ctx, _ := p.NewContext(nil)
	enc := p.SymmetricEncryption()

	plaintext := []byte("plaintext passes through unchanged")
	ciphertext, err := enc.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, plaintext, ciphertext)

	decrypted, err := enc.Decrypt(ctx, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestNonePolicy_GenerateKeyZeroesOutput(t *testing.T) {
	p := NewNonePolicy()
	out := make([]byte, 16)
	for i := range out {
		out[i] = 0xFF
	}
	require.NoError(t, p.GenerateKey(nil, nil, out))
	for _, b := range out {
		require.Zero(t, b)
	}
}

func TestBasic256Sha256_GenerateKeyIsDeterministicAndOrderSensitive(t *testing.T) {
	p := NewBasic256Sha256Policy(nil, nil)
	secret := []byte("client-nonce-deadbeef")
	seed := []byte("server-nonce-cafebabe")

	out1 := make([]byte, 32)
	require.NoError(t, p.GenerateKey(secret, seed, out1))
	out2 := make([]byte, 32)
	require.NoError(t, p.GenerateKey(secret, seed, out2))
	require.Equal(t, out1, out2)

	swapped := make([]byte, 32)
	require.NoError(t, p.GenerateKey(seed, secret, swapped))
	require.NotEqual(t, out1, swapped)
}

func TestHmacSha256Signature_SignVerifyRoundTrip(t *testing.T) {
	sig := hmacSha256Signature{}
	key := []byte("0123456789abcdef0123456789abcdef")

	local := &Context{LocalSigningKey: key}
	remote := &Context{RemoteSigningKey: key}

	message := []byte("sign me")
	signed, err := sig.Sign(local, message, nil)
	require.NoError(t, err)
	require.Len(t, signed, sig.SignatureSize())

	require.NoError(t, sig.Verify(remote, message, signed))

	tampered := append([]byte(nil), message...)
	tampered[0] ^= 0xFF
	require.ErrorIs(t, sig.Verify(remote, tampered, signed), ErrVerifyFailed)
}

func TestHmacSha256Signature_NoKeyFails(t *testing.T) {
	sig := hmacSha256Signature{}
	_, err := sig.Sign(&Context{}, []byte("x"), nil)
	require.ErrorIs(t, err, ErrNoKeys)
	require.ErrorIs(t, sig.Verify(&Context{}, []byte("x"), []byte("y")), ErrNoKeys)
}

func TestAesCbcEncryption_RoundTrip(t *testing.T) {
	enc := aesCbcEncryption{}
	key := make([]byte, 32)
	iv := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	for i := range iv {
		iv[i] = byte(i * 3)
	}

	ctx := &Context{
		LocalEncryptingKey:  key,
		LocalIV:             iv,
		RemoteEncryptingKey: key,
		RemoteIV:            iv,
	}

	plaintext := make([]byte, 64) // multiple of AES block size
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	ciphertext, err := enc.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := enc.Decrypt(ctx, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestAesCbcEncryption_RejectsUnalignedInput(t *testing.T) {
	enc := aesCbcEncryption{}
	ctx := &Context{LocalEncryptingKey: make([]byte, 32), LocalIV: make([]byte, 16)}
	_, err := enc.Encrypt(ctx, make([]byte, 5))
	require.Error(t, err)
}

func selfSignedCert(t *testing.T, priv *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestRsaPssSignature_SignVerifyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := selfSignedCert(t, priv)

	sig := rsaPSSSignature{priv: priv}
	ctx := &Context{RemoteCertificate: cert}

	message := []byte("opn request body")
	signed, err := sig.Sign(ctx, message, nil)
	require.NoError(t, err)
	require.Len(t, signed, sig.SignatureSize())

	require.NoError(t, sig.Verify(ctx, message, signed))
	require.Error(t, sig.Verify(ctx, []byte("different message"), signed))
}

func TestRsaOaepEncryption_RoundTripMultiBlock(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := selfSignedCert(t, priv)

	enc := rsaOAEPEncryption{priv: priv}
	ctx := &Context{RemoteCertificate: cert}

	plaintext := make([]byte, 300) // exceeds one 2048-bit OAEP block
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	ciphertext, err := enc.Encrypt(ctx, plaintext)
	require.NoError(t, err)

	decrypted, err := enc.Decrypt(ctx, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestBasic256Sha256Policy_MakeThumbprintIsSha1(t *testing.T) {
	p := NewBasic256Sha256Policy(nil, nil)
	thumb := p.MakeThumbprint([]byte("certificate bytes"))
	require.Len(t, thumb, 20)
}

func TestBasic256Sha256Policy_VerifyCertificateRequiresCertificate(t *testing.T) {
	p := NewBasic256Sha256Policy(nil, nil)
	require.ErrorIs(t, p.VerifyCertificate(&Context{}), ErrCertificateInvalid)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := selfSignedCert(t, priv)
	require.NoError(t, p.VerifyCertificate(&Context{RemoteCertificate: cert}))
}
