// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package security implements the SecurityPolicy abstraction consumed by
// the channel package (§3/§4.7 of the specification): a stateless
// capability bundle describing the asymmetric and symmetric algorithms a
// SecureChannel signs/encrypts with, plus the per-channel Context holding
// the derived keys, IVs, and remote certificate.
//
// Concrete cryptographic backends are out of scope for the wire/channel
// layer proper (spec §1 scopes "concrete cryptographic backends" as
// external, replaceable collaborators); this package supplies two
// concrete Policy implementations built on stdlib crypto primitives
// (Policy is an interface so other backends - a PKCS#11 HSM binding, a
// FIPS-validated module - can be swapped in without touching channel):
//
//   - None: SecurityMode_None, a pass-through policy requiring no keys.
//   - Basic256Sha256: RSA-OAEP-SHA1 asymmetric encryption, RSA-PSS-SHA256
//     asymmetric signing, AES-256-CBC symmetric encryption, HMAC-SHA256
//     symmetric signing, and HKDF-SHA256 expansion as the key-derivation
//     function in place of OPC UA Part 6 Table 33's P_SHA256.
package security
