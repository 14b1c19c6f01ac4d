// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package channel

import (
	"errors"

	"github.com/joeycumines/go-uasc/wire"
)

// Sentinel errors returned by Channel operations. Every one of these is
// mapped to a wire StatusCode via sanitize before ever reaching a peer
// (§4.8).
var (
	// ErrMalformedHeader covers an out-of-range header field: an
	// unrecognized message or chunk type, a messageSize outside
	// [16, recvBufferSize], or a channel id mismatch.
	ErrMalformedHeader = errors.New("channel: malformed or out-of-range header")

	// ErrMessageTooLarge is returned when an outbound logical message
	// would exceed the negotiated maxMessageSize or maxChunkCount.
	ErrMessageTooLarge = errors.New("channel: message exceeds negotiated size or chunk budget")

	// ErrResourceExhausted covers allocation failures for send/receive
	// buffers or chunk-reassembly state.
	ErrResourceExhausted = errors.New("channel: resource exhausted")

	// ErrSecurityCheckFailed covers signature verification and
	// decryption failures.
	ErrSecurityCheckFailed = errors.New("channel: security check failed")

	// ErrCertificateInvalid covers any certificate trust or validity
	// failure surfaced by the security package.
	ErrCertificateInvalid = errors.New("channel: certificate invalid")

	// ErrUnknownSecurityPolicy is returned when an OPN's policyUri does
	// not match any configured security.Policy.
	ErrUnknownSecurityPolicy = errors.New("channel: unknown or unsupported security policy")

	// ErrUnknownToken is returned when a chunk's tokenId does not match
	// current, previous (within grace), or next.
	ErrUnknownToken = errors.New("channel: unrecognized security token id")

	// ErrRequestTimeout covers a request that was not serviced within a
	// configured deadline (reserved for callers layering request/response
	// semantics atop Channel; the channel state machine itself does not
	// impose request timeouts).
	ErrRequestTimeout = errors.New("channel: request timeout")

	// ErrDecodingFailed covers a body that fails to decode against its
	// declared type.
	ErrDecodingFailed = errors.New("channel: body decoding failed")

	// ErrChannelClosed is returned by SendRequest whenever the channel is
	// not OPEN: before the OPN exchange completes, or once it has entered
	// CLOSING or CLOSED.
	ErrChannelClosed = errors.New("channel: channel is closed")

	// ErrWrongState is returned when an inbound chunk arrives in a state
	// that does not permit it (e.g. an ACK on a server-role channel, or a
	// MSG before OPEN).
	ErrWrongState = errors.New("channel: operation invalid in current state")

	// ErrNegotiationFailed is returned when HEL/ACK negotiation yields a
	// buffer size below MinNegotiatedBufferSize.
	ErrNegotiationFailed = errors.New("channel: buffer negotiation failed")
)

// sanitize maps an internal error to the wire-visible (StatusCode, reason)
// pair, per §4.8's table. Only malformed-header, too-large, and
// decoding-error rows ever carry the original message text; every
// security-adjacent row is sent empty to avoid becoming an oracle for
// certificate or key-material probing.
func sanitize(err error) (StatusCode, string) {
	switch {
	case errors.Is(err, ErrMalformedHeader), errors.Is(err, wire.ErrTruncated), errors.Is(err, wire.ErrNegativeSize), errors.Is(err, wire.ErrStringTooBig):
		return BadTcpMessageTypeInvalid, err.Error()
	case errors.Is(err, ErrMessageTooLarge):
		return BadTcpMessageTooLarge, err.Error()
	case errors.Is(err, ErrResourceExhausted):
		return BadTcpNotEnoughResources, ""
	case errors.Is(err, ErrSecurityCheckFailed):
		return BadSecurityChecksFailed, ""
	case errors.Is(err, ErrCertificateInvalid):
		return BadSecurityChecksFailed, ""
	case errors.Is(err, ErrUnknownSecurityPolicy):
		return BadSecurityPolicyRejected, ""
	case errors.Is(err, ErrUnknownToken):
		return BadSecureChannelTokenUnknown, ""
	case errors.Is(err, ErrRequestTimeout):
		return BadRequestTimeout, ""
	case errors.Is(err, ErrDecodingFailed):
		return BadDecodingError, err.Error()
	default:
		return BadTcpInternalError, ""
	}
}
