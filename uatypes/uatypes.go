// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package uatypes holds the small set of OPC UA built-in data types the
// channel and wire packages need to drive the SecureChannel protocol:
// time representations, the length-prefixed byte string, the identifier
// union, and the security-token record. Full built-in type coverage
// (variants, extension objects, the complete NodeId encoding matrix) is
// out of scope; this package exists to let SecureChannel code stay
// protocol-shaped rather than reaching for raw byte slices and uint32s
// everywhere.
package uatypes

import "time"

// Duration is a span of time expressed as a count of 100-nanosecond
// ticks, the OPC UA wire unit (mirroring Windows FILETIME intervals).
type Duration int64

// DurationFromGo converts a time.Duration into OPC UA's 100ns tick unit.
func DurationFromGo(d time.Duration) Duration {
	return Duration(d.Nanoseconds() / 100)
}

// Go converts back to a time.Duration.
func (d Duration) Go() time.Duration {
	return time.Duration(d) * 100 * time.Nanosecond
}

// uaEpoch is January 1, 1601 UTC, the epoch OPC UA Instants are anchored
// to (again mirroring Windows FILETIME).
var uaEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

// Instant is a point in time, as a 100-nanosecond tick count since
// uaEpoch.
type Instant int64

// Now returns the current time as an Instant.
func Now() Instant {
	return InstantFromGo(time.Now())
}

// InstantFromGo converts a time.Time into an Instant.
func InstantFromGo(t time.Time) Instant {
	return Instant((t.Unix()-uaEpoch.Unix())*10_000_000 + int64(t.Nanosecond())/100)
}

// Go converts an Instant back into a time.Time.
func (i Instant) Go() time.Time {
	ticks := int64(i)
	return time.Unix(ticks/10_000_000+uaEpoch.Unix(), (ticks%10_000_000)*100).UTC()
}

// Add returns the Instant offset by d.
func (i Instant) Add(d Duration) Instant {
	return i + Instant(d)
}

// Before reports whether i occurs before other.
func (i Instant) Before(other Instant) bool {
	return i < other
}

// ByteString is a nullable, explicitly-lengthed byte buffer, the wire
// representation backing every binary blob in the protocol (certificates,
// nonces, message bodies). A nil ByteString is the wire "null" value,
// distinct from a non-nil empty one.
type ByteString []byte

// IsNull reports whether b is the wire-null value (encoded length -1),
// as opposed to a present-but-empty string (encoded length 0).
func (b ByteString) IsNull() bool {
	return b == nil
}

// IdentifierType distinguishes the four NodeId encodings.
type IdentifierType int

const (
	IdentifierNumeric IdentifierType = iota
	IdentifierString
	IdentifierGUID
	IdentifierByteString
)

// NodeId identifies a node, a message body type, or a security artifact
// type. Only one of Numeric/String/GUID/Bytes is meaningful, per Type.
type NodeId struct {
	NamespaceIndex uint16
	Type           IdentifierType
	Numeric        uint32
	String         string
	GUID           [16]byte
	Bytes          ByteString
}

// ChannelSecurityToken is a time-bounded key-set identifier within a
// SecureChannel. current, previous, and next coexist around a renewal.
type ChannelSecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       Instant
	RevisedLifetime Duration
}

// ExpiresAt returns the wall-clock instant this token's lifetime elapses,
// ignoring any grace window (see ChannelSecurityToken's consumer for the
// 1.25x previousToken grace multiplier).
func (t ChannelSecurityToken) ExpiresAt() Instant {
	return t.CreatedAt.Add(t.RevisedLifetime)
}
