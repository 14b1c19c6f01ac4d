// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package security

import "crypto/x509"

// NonePolicyURI is the OPC UA well-known identifier for SecurityMode_None.
const NonePolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#None"

// NonePolicy is the no-op SecurityPolicy: every sign/verify and
// encrypt/decrypt call is a pass-through, used for channels opened with
// securityMode NONE. It still participates in the channel state machine
// (token ids, sequence numbers) - only the cryptographic pipeline is
// elided.
type NonePolicy struct{}

// NewNonePolicy constructs the stateless None policy singleton-per-use.
func NewNonePolicy() *NonePolicy { return &NonePolicy{} }

func (p *NonePolicy) URI() string             { return NonePolicyURI }
func (p *NonePolicy) LocalCertificate() []byte { return nil }
func (p *NonePolicy) NonceLength() int         { return 0 }

func (p *NonePolicy) AsymmetricSignature() SignatureAlgorithm   { return noneSignature{} }
func (p *NonePolicy) AsymmetricEncryption() EncryptionAlgorithm { return noneEncryption{} }
func (p *NonePolicy) SymmetricSignature() SignatureAlgorithm    { return noneSignature{} }
func (p *NonePolicy) SymmetricEncryption() EncryptionAlgorithm  { return noneEncryption{} }

func (p *NonePolicy) SymmetricKeyLengths() (sigKeyLen, encKeyLen, ivLen int) { return 0, 0, 0 }

func (p *NonePolicy) NewContext(remoteCert *x509.Certificate) (*Context, error) {
	return &Context{RemoteCertificate: remoteCert}, nil
}

func (p *NonePolicy) GenerateKey(secret, seed []byte, out []byte) error {
	for i := range out {
		out[i] = 0
	}
	return nil
}

func (p *NonePolicy) GenerateNonce(out []byte) error { return nil }

func (p *NonePolicy) VerifyCertificate(ctx *Context) error { return nil }

func (p *NonePolicy) MakeThumbprint(cert []byte) []byte { return nil }

// noneSignature is a SignatureAlgorithm that signs nothing and always
// verifies (the None policy has no signature block on the wire).
type noneSignature struct{}

func (noneSignature) URI() string         { return "" }
func (noneSignature) SignatureSize() int  { return 0 }
func (noneSignature) Sign(_ *Context, _, dst []byte) ([]byte, error) { return dst, nil }
func (noneSignature) Verify(_ *Context, _, _ []byte) error           { return nil }

// noneEncryption is an EncryptionAlgorithm that returns its input
// unchanged (the None policy sends/receives plaintext chunks).
type noneEncryption struct{}

func (noneEncryption) URI() string      { return "" }
func (noneEncryption) BlockSize() int   { return 1 }
func (noneEncryption) KeySize() int     { return 0 }
func (noneEncryption) Encrypt(_ *Context, plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (noneEncryption) Decrypt(_ *Context, ciphertext []byte) ([]byte, error) { return ciphertext, nil }
