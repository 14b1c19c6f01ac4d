// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package channel

import (
	"github.com/joeycumines/go-uasc/uatypes"
)

// tokenSet holds the three security tokens that may coexist around a
// renewal (§4.5): current is used for both send and receive, previous is
// accepted for receive only until its grace window elapses, next is
// installed on OPN-response receipt and becomes current on the first
// inbound chunk that uses it (revolveTokens).
type tokenSet struct {
	current  *uatypes.ChannelSecurityToken
	previous *uatypes.ChannelSecurityToken
	next     *uatypes.ChannelSecurityToken
}

// acceptsInbound reports whether tokenID may be used to decrypt an
// inbound chunk right now: it is current, or it is previous and still
// within its 1.25x grace window, per §3a/§4.5. next is never accepted
// for inbound decrypt directly - observing it triggers revolve first.
func (t *tokenSet) acceptsInbound(tokenID uint32, now uatypes.Instant) bool {
	if t.current != nil && t.current.TokenID == tokenID {
		return true
	}
	if t.previous != nil && t.previous.TokenID == tokenID {
		grace := uatypes.Duration(float64(t.previous.RevisedLifetime) * TokenGraceMultiplier)
		return now.Before(t.previous.CreatedAt.Add(grace).Add(1))
	}
	return false
}

// isNext reports whether tokenID is the pending next token, meaning the
// first inbound chunk observed with it should trigger revolveTokens.
func (t *tokenSet) isNext(tokenID uint32) bool {
	return t.next != nil && t.next.TokenID == tokenID
}

// revolve promotes next to current, current to previous, per §4.5: "Next
// inbound chunk observed with tokenId == nextToken triggers
// revolveTokens: previousToken <- current, current <- next, next
// cleared". Key regeneration (remote keys from remoteNonce/localNonce)
// is the caller's responsibility (see Channel.revolveToken), since it
// needs the security.Policy and derived key material that token
// bookkeeping alone does not hold.
func (t *tokenSet) revolve() {
	t.previous = t.current
	t.current = t.next
	t.next = nil
}

// setNext installs a newly negotiated token as pending, awaiting its
// first observed use inbound (or immediate promotion for the side that
// issued it outbound - see Channel.installIssuedToken).
func (t *tokenSet) setNext(tok uatypes.ChannelSecurityToken) {
	t.next = &tok
}

// activateFirst installs the very first token directly as current, used
// when completing the initial OPN (there is no "previous" to preserve).
func (t *tokenSet) activateFirst(tok uatypes.ChannelSecurityToken) {
	t.current = &tok
	t.previous = nil
	t.next = nil
}
