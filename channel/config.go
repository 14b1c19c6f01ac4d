// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package channel

import (
	"time"

	"github.com/joeycumines/go-uasc/security"
)

// Resolved constants, §3a.
const (
	// SequenceNumberWrapThreshold is 2^32 - 1025: once
	// receiveSequenceNumber+1 exceeds this, an incoming sequence number
	// below SequenceNumberWrapWindow is accepted as a wrap.
	SequenceNumberWrapThreshold uint32 = 4294966271
	// SequenceNumberWrapWindow bounds the post-wrap sequence numbers
	// accepted near the uint32 rollover.
	SequenceNumberWrapWindow uint32 = 1024

	// TokenGraceMultiplier is how much longer, relative to its revised
	// lifetime, a superseded token remains valid for inbound decrypt.
	TokenGraceMultiplier = 1.25

	// MinNegotiatedBufferSize is the floor HEL/ACK negotiation enforces
	// on every resulting buffer size.
	MinNegotiatedBufferSize uint32 = 8192
)

// Config configures a Channel. The zero value is not usable; start from
// DefaultConfig or populate every field explicitly.
type Config struct {
	// IsServer selects the passive (server) role: wait for HEL, respond
	// ACK, wait for an OPN request and respond. False selects the active
	// (client) role: send HEL, await ACK, send an OPN request.
	IsServer bool

	// ProtocolVersion is this endpoint's protocol version, sent in its HEL
	// or ACK body. The peer's version is neither compared with it nor
	// stored; negotiation settles only the buffer and size limits.
	ProtocolVersion uint32

	// ReceiveBufferSize/SendBufferSize/MaxMessageSize/MaxChunkCount are
	// this endpoint's local HEL/ACK parameters (§4.5). Zero for
	// MaxMessageSize/MaxChunkCount means unlimited.
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32

	// EndpointURL is sent in the client's HEL body.
	EndpointURL string

	// Policies indexes every security.Policy this endpoint accepts by
	// URI, consulted when parsing an inbound OPN's policyUri.
	Policies map[string]security.Policy

	// DefaultPolicy is the Channel's initial policy. The client uses it for
	// its first outbound OPN request (the None policy when nil); the server
	// matches an inbound OPN against it first and consults Policies only
	// when it is nil or the OPN names a different, non-empty policyUri.
	DefaultPolicy security.Policy

	// RequestedLifetime is the client's requested token lifetime,
	// included in each OPN request.
	RequestedLifetime time.Duration

	// LocalCertificateThumbprint is sent as the receiverCertificateThumbprint
	// in outbound OPN chunks once the remote certificate is known
	// (left nil before then).
	LocalCertificateThumbprint []byte
}

// DefaultConfig returns a Config with the negotiation fields the teacher's
// own defaults would plausibly pick: protocol version 0 (the only OPC UA
// TCP protocol version ever defined), generous buffer sizes, and
// unlimited message size/chunk count.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:   0,
		ReceiveBufferSize: 64 * 1024,
		SendBufferSize:    64 * 1024,
		MaxMessageSize:    0,
		MaxChunkCount:      0,
		RequestedLifetime: 10 * time.Minute,
		Policies:          map[string]security.Policy{},
	}
}
