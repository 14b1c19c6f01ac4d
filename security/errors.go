// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package security

import "errors"

// Sentinel errors returned by Policy and Context operations. Every one of
// these is mapped to a wire StatusCode by the channel package's ERR
// sanitization table (§4.8) before it ever reaches a peer.
var (
	// ErrVerifyFailed is returned by a SignatureAlgorithm's Verify when the
	// supplied signature does not match the message under the relevant key.
	ErrVerifyFailed = errors.New("security: signature verification failed")

	// ErrDecryptFailed is returned by an EncryptionAlgorithm's Decrypt when
	// ciphertext cannot be recovered (bad padding, MAC mismatch, wrong key).
	ErrDecryptFailed = errors.New("security: decryption failed")

	// ErrEncryptNoKey is returned by an EncryptionAlgorithm's Encrypt when
	// the Context lacks the key material (or remote certificate) needed
	// to encrypt outbound data.
	ErrEncryptNoKey = errors.New("security: encryption key not available")

	// ErrCertificateInvalid is returned by Policy.VerifyCertificate when the
	// remote certificate fails trust or validity checks.
	ErrCertificateInvalid = errors.New("security: certificate invalid")

	// ErrUnknownPolicy is returned when no local Policy matches a
	// securityPolicyUri observed on an incoming OPN request.
	ErrUnknownPolicy = errors.New("security: unknown security policy uri")

	// ErrNoKeys is returned by the HMAC-SHA256 signature module's Sign and
	// Verify when the Context's signing key has not yet been derived (e.g.
	// before the first OPN completes).
	ErrNoKeys = errors.New("security: keys not yet derived")

	// ErrShortBuffer reports an output buffer too small for the requested
	// length. No function in this package currently returns it.
	ErrShortBuffer = errors.New("security: output buffer too small")
)
