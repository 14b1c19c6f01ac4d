// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package security

import "crypto/x509"

// SignatureAlgorithm is a symmetric- or asymmetric-signing module exposing
// its signature size plus sign/verify, matching §3's "algorithm modules
// each exposing ... signature size, sign/verify".
type SignatureAlgorithm interface {
	// URI identifies the algorithm (e.g.
	// "http://www.w3.org/2000/09/xmldsig#hmac-sha256").
	URI() string
	// SignatureSize is the fixed size, in bytes, of a signature produced
	// by Sign - the trailing region §3's chunk invariant refers to.
	SignatureSize() int
	// Sign computes a signature over message using the key material in
	// ctx, appending it to dst and returning the extended slice.
	Sign(ctx *Context, message []byte, dst []byte) ([]byte, error)
	// Verify checks signature against message using the key material in
	// ctx, returning ErrVerifyFailed on mismatch.
	Verify(ctx *Context, message []byte, signature []byte) error
}

// EncryptionAlgorithm is a symmetric- or asymmetric-encryption module
// exposing block size, key size, and encrypt/decrypt, matching §3.
type EncryptionAlgorithm interface {
	// URI identifies the algorithm.
	URI() string
	// BlockSize is the cipher's block size in bytes (1 for a stream
	// cipher or RSA's "block" being the whole ciphertext).
	BlockSize() int
	// KeySize is the required symmetric key length in bytes, or the
	// plaintext block size for an asymmetric scheme operating on a
	// public/private key pair already held in ctx.
	KeySize() int
	// Encrypt encrypts plaintext using key material from ctx (local
	// encrypting key for outbound symmetric traffic, remote public key
	// for outbound asymmetric traffic per §4.7), returning the
	// ciphertext slice, which may be a newly allocated one.
	Encrypt(ctx *Context, plaintext []byte) ([]byte, error)
	// Decrypt decrypts ciphertext, returning the plaintext slice, which
	// may be a newly allocated one; padding removal is the caller's
	// responsibility per §4.7's receive pipeline.
	Decrypt(ctx *Context, ciphertext []byte) ([]byte, error)
}

// Policy is the SecurityPolicy abstraction of §3: a stateless capability
// bundle describing the algorithms for a given policyUri, plus the
// factory for a per-channel Context. Implementations must be safe for
// concurrent use by multiple Channels, since one Policy instance is
// shared across every channel negotiating that policyUri.
type Policy interface {
	// URI is the OPC UA securityPolicyUri, e.g.
	// "http://opcfoundation.org/UA/SecurityPolicy#None".
	URI() string
	// LocalCertificate is this endpoint's DER-encoded certificate, sent
	// in the AsymmetricSecurityHeader of outbound OPN chunks. Empty for
	// the None policy.
	LocalCertificate() []byte
	// NonceLength is the length, in bytes, of nonces this policy expects
	// to exchange during OPN (0 for None).
	NonceLength() int

	// AsymmetricSignature is the module used to sign/verify OPN chunks.
	AsymmetricSignature() SignatureAlgorithm
	// AsymmetricEncryption is the module used to encrypt/decrypt OPN
	// chunk bodies.
	AsymmetricEncryption() EncryptionAlgorithm
	// SymmetricSignature is the module used to sign/verify MSG/CLO chunks.
	SymmetricSignature() SignatureAlgorithm
	// SymmetricEncryption is the module used to encrypt/decrypt MSG/CLO
	// chunk bodies.
	SymmetricEncryption() EncryptionAlgorithm

	// SymmetricKeyLengths returns the signing-key, encrypting-key, and
	// IV lengths (bytes) fed into GenerateKey's output buffer sizing,
	// per §4.7 ("sigKeyLen + encKeyLen + ivLen").
	SymmetricKeyLengths() (sigKeyLen, encKeyLen, ivLen int)

	// NewContext creates a per-channel Context bound to remoteCert (nil
	// for the None policy, or before the remote certificate is known).
	NewContext(remoteCert *x509.Certificate) (*Context, error)

	// GenerateKey is the PRF of §4.7: derives len(out) pseudo-random
	// bytes from (secret, seed) - OPC UA Part 6 Table 33's generateKey,
	// HKDF-SHA256 expansion for Basic256Sha256, a no-op producing zero
	// bytes for None.
	GenerateKey(secret, seed []byte, out []byte) error

	// GenerateNonce fills out with cryptographically random bytes (or,
	// for None, with its documented length-zero nonce).
	GenerateNonce(out []byte) error

	// VerifyCertificate checks the remote certificate embedded in ctx
	// against this policy's trust/revocation logic. The specification
	// treats the trust list's management as an external collaborator;
	// this method is the delegation point §4.7 calls out.
	VerifyCertificate(ctx *Context) error

	// MakeThumbprint computes the certificate thumbprint used to match
	// a receiverCertificateThumbprint in the AsymmetricSecurityHeader
	// (SHA-1 over the DER encoding, per the OPC UA specification).
	MakeThumbprint(cert []byte) []byte
}

// Context is the per-channel mutable crypto state of §3
// ("ChannelContext"): local/remote signing and encrypting keys, IVs, and
// the remote certificate, as derived by Policy.NewContext and populated
// by Policy.GenerateKey's split (§4.7's setLocalSymSigningKey et al.).
// A Context belongs to exactly one Channel and is never shared.
type Context struct {
	RemoteCertificate *x509.Certificate

	LocalSigningKey    []byte
	LocalEncryptingKey []byte
	LocalIV            []byte

	RemoteSigningKey    []byte
	RemoteEncryptingKey []byte
	RemoteIV            []byte
}

// SetLocalSymKeys installs the local (outbound) symmetric signing key,
// encrypting key, and IV, matching §4.7's setLocalSymSigningKey /
// setLocalSymEncryptingKey / setLocalSymIv trio.
func (c *Context) SetLocalSymKeys(signing, encrypting, iv []byte) {
	c.LocalSigningKey = signing
	c.LocalEncryptingKey = encrypting
	c.LocalIV = iv
}

// SetRemoteSymKeys installs the remote (inbound) symmetric signing key,
// encrypting key, and IV.
func (c *Context) SetRemoteSymKeys(signing, encrypting, iv []byte) {
	c.RemoteSigningKey = signing
	c.RemoteEncryptingKey = encrypting
	c.RemoteIV = iv
}
