// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package security

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Basic256Sha256PolicyURI is the OPC UA well-known identifier for this
// policy: RSA-OAEP/RSA-PSS asymmetric, AES-256-CBC/HMAC-SHA256 symmetric.
const Basic256Sha256PolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"

const (
	basic256Sha256SigKeyLen = 32 // HMAC-SHA256 key
	basic256Sha256EncKeyLen = 32 // AES-256 key
	basic256Sha256IVLen     = 16 // AES block size
	basic256Sha256NonceLen  = 32
)

// Basic256Sha256Policy implements Policy with the Basic256Sha256 algorithm
// suite (§3, §4.7): RSA-OAEP-SHA1 asymmetric encryption, RSA-PSS-SHA256
// asymmetric signing, AES-256-CBC symmetric encryption, HMAC-SHA256
// symmetric signing, and an HKDF-SHA256 expansion standing in for the
// P_SHA256 pseudo-random function of OPC UA Part 6 Table 33 (see
// DESIGN.md for why golang.org/x/crypto/hkdf, not a hand-rolled P_hash
// loop over stdlib crypto/hmac, backs key derivation here).
type Basic256Sha256Policy struct {
	localCert    []byte
	localPrivate *rsa.PrivateKey
}

// NewBasic256Sha256Policy constructs the policy using localCert (this
// endpoint's DER-encoded certificate) and the matching private key.
func NewBasic256Sha256Policy(localCert []byte, localPrivate *rsa.PrivateKey) *Basic256Sha256Policy {
	return &Basic256Sha256Policy{localCert: localCert, localPrivate: localPrivate}
}

func (p *Basic256Sha256Policy) URI() string              { return Basic256Sha256PolicyURI }
func (p *Basic256Sha256Policy) LocalCertificate() []byte { return p.localCert }
func (p *Basic256Sha256Policy) NonceLength() int         { return basic256Sha256NonceLen }

func (p *Basic256Sha256Policy) AsymmetricSignature() SignatureAlgorithm {
	return rsaPSSSignature{priv: p.localPrivate}
}

func (p *Basic256Sha256Policy) AsymmetricEncryption() EncryptionAlgorithm {
	return rsaOAEPEncryption{priv: p.localPrivate}
}

func (p *Basic256Sha256Policy) SymmetricSignature() SignatureAlgorithm { return hmacSha256Signature{} }

func (p *Basic256Sha256Policy) SymmetricEncryption() EncryptionAlgorithm { return aesCbcEncryption{} }

func (p *Basic256Sha256Policy) SymmetricKeyLengths() (sigKeyLen, encKeyLen, ivLen int) {
	return basic256Sha256SigKeyLen, basic256Sha256EncKeyLen, basic256Sha256IVLen
}

func (p *Basic256Sha256Policy) NewContext(remoteCert *x509.Certificate) (*Context, error) {
	return &Context{RemoteCertificate: remoteCert}, nil
}

// GenerateKey derives len(out) bytes from (secret, seed) via HKDF-SHA256
// expansion with no extract step (secret used directly as the pseudo-
// random key), matching the PRF contract of §4.7's generateKey: the
// first sigKeyLen+encKeyLen+ivLen bytes of the expansion become the
// local or remote symmetric key material depending on nonce ordering.
func (p *Basic256Sha256Policy) GenerateKey(secret, seed []byte, out []byte) error {
	r := hkdf.Expand(sha256.New, secret, seed)
	_, err := io.ReadFull(r, out)
	return err
}

func (p *Basic256Sha256Policy) GenerateNonce(out []byte) error {
	_, err := rand.Read(out)
	return err
}

// VerifyCertificate returns ErrCertificateInvalid when ctx holds no remote
// certificate and nil otherwise. It does not check the certificate's
// validity window, key size, or chain of trust.
func (p *Basic256Sha256Policy) VerifyCertificate(ctx *Context) error {
	if ctx.RemoteCertificate == nil {
		return ErrCertificateInvalid
	}
	return nil
}

func (p *Basic256Sha256Policy) MakeThumbprint(cert []byte) []byte {
	sum := sha1.Sum(cert)
	return sum[:]
}

// rsaPSSSignature implements the asymmetric signing module: RSA-PSS with
// SHA-256, matching "Rsa-Pss-Sha2-256" in the wire's signatureAlgorithmUri.
type rsaPSSSignature struct {
	priv *rsa.PrivateKey
}

func (rsaPSSSignature) URI() string {
	return "http://opcfoundation.org/UA/security/rsa-pss-sha2-256"
}

func (s rsaPSSSignature) SignatureSize() int {
	if s.priv == nil {
		return 0
	}
	return s.priv.Size()
}

func (s rsaPSSSignature) Sign(ctx *Context, message []byte, dst []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, s.priv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, err
	}
	return append(dst, sig...), nil
}

func (s rsaPSSSignature) Verify(ctx *Context, message []byte, signature []byte) error {
	if ctx.RemoteCertificate == nil {
		return ErrVerifyFailed
	}
	pub, ok := ctx.RemoteCertificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return ErrVerifyFailed
	}
	digest := sha256.Sum256(message)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
		return ErrVerifyFailed
	}
	return nil
}

// rsaOAEPEncryption implements the asymmetric encryption module: RSA-OAEP
// with SHA-1 (the Basic256Sha256 profile's asymmetric encryption
// algorithm per the OPC UA specification, despite the policy's SHA-256
// symmetric suite).
type rsaOAEPEncryption struct {
	priv *rsa.PrivateKey
}

func (rsaOAEPEncryption) URI() string {
	return "http://www.w3.org/2001/04/xmlenc#rsa-oaep"
}

func (e rsaOAEPEncryption) BlockSize() int { return 1 }

func (e rsaOAEPEncryption) KeySize() int {
	if e.priv == nil {
		return 0
	}
	return e.priv.Size() - 2*sha1.Size - 2
}

func (e rsaOAEPEncryption) Encrypt(ctx *Context, plaintext []byte) ([]byte, error) {
	if ctx.RemoteCertificate == nil {
		return nil, ErrEncryptNoKey
	}
	pub, ok := ctx.RemoteCertificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrEncryptNoKey
	}
	blockSize := pub.Size() - 2*sha1.Size - 2
	var out []byte
	for len(plaintext) > 0 {
		n := blockSize
		if n > len(plaintext) {
			n = len(plaintext)
		}
		ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext[:n], nil)
		if err != nil {
			return nil, err
		}
		out = append(out, ct...)
		plaintext = plaintext[n:]
	}
	return out, nil
}

func (e rsaOAEPEncryption) Decrypt(ctx *Context, ciphertext []byte) ([]byte, error) {
	if e.priv == nil {
		return nil, ErrDecryptFailed
	}
	blockSize := e.priv.Size()
	if blockSize == 0 || len(ciphertext)%blockSize != 0 {
		return nil, ErrDecryptFailed
	}
	var out []byte
	for len(ciphertext) > 0 {
		block := ciphertext[:blockSize]
		pt, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, e.priv, block, nil)
		if err != nil {
			return nil, ErrDecryptFailed
		}
		out = append(out, pt...)
		ciphertext = ciphertext[blockSize:]
	}
	return out, nil
}

// hmacSha256Signature implements the symmetric signing module.
type hmacSha256Signature struct{}

func (hmacSha256Signature) URI() string {
	return "http://www.w3.org/2000/09/xmldsig#hmac-sha256"
}

func (hmacSha256Signature) SignatureSize() int { return sha256.Size }

func (hmacSha256Signature) Sign(ctx *Context, message []byte, dst []byte) ([]byte, error) {
	if len(ctx.LocalSigningKey) == 0 {
		return nil, ErrNoKeys
	}
	mac := hmac.New(sha256.New, ctx.LocalSigningKey)
	mac.Write(message)
	return mac.Sum(dst), nil
}

func (hmacSha256Signature) Verify(ctx *Context, message []byte, signature []byte) error {
	if len(ctx.RemoteSigningKey) == 0 {
		return ErrNoKeys
	}
	mac := hmac.New(sha256.New, ctx.RemoteSigningKey)
	mac.Write(message)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, signature) {
		return ErrVerifyFailed
	}
	return nil
}

// aesCbcEncryption implements the symmetric encryption module: AES-256 in
// CBC mode, the IV drawn from the Context per message (matching the wire
// convention that the IV for a chunk is not itself transmitted; it is
// derived deterministically from channel state - here, the key-derived
// IV is used directly, matching the reference implementation's single
// derived-IV-per-token approach).
type aesCbcEncryption struct{}

func (aesCbcEncryption) URI() string {
	return "http://www.w3.org/2001/04/xmlenc#aes256-cbc"
}

func (aesCbcEncryption) BlockSize() int { return aes.BlockSize }
func (aesCbcEncryption) KeySize() int   { return basic256Sha256EncKeyLen }

func (aesCbcEncryption) Encrypt(ctx *Context, plaintext []byte) ([]byte, error) {
	if len(ctx.LocalEncryptingKey) == 0 || len(ctx.LocalIV) == 0 {
		return nil, ErrEncryptNoKey
	}
	block, err := aes.NewCipher(ctx.LocalEncryptingKey)
	if err != nil {
		return nil, err
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, ErrEncryptNoKey
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, ctx.LocalIV)
	mode := cipher.NewCBCEncrypter(block, iv)
	out := make([]byte, len(plaintext))
	mode.CryptBlocks(out, plaintext)
	return out, nil
}

func (aesCbcEncryption) Decrypt(ctx *Context, ciphertext []byte) ([]byte, error) {
	if len(ctx.RemoteEncryptingKey) == 0 || len(ctx.RemoteIV) == 0 {
		return nil, ErrDecryptFailed
	}
	block, err := aes.NewCipher(ctx.RemoteEncryptingKey)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptFailed
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, ctx.RemoteIV)
	mode := cipher.NewCBCDecrypter(block, iv)
	out := make([]byte, len(ciphertext))
	mode.CryptBlocks(out, ciphertext)
	return out, nil
}
