// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package channel implements the OPC UA SecureChannel protocol: HEL/ACK
// transport negotiation, OPN-driven channel establishment and renewal,
// chunked MSG/CLO framing over the negotiated buffer sizes, the
// symmetric/asymmetric crypto pipeline (dispatched into the security
// package), and sequence-number and security-token lifecycle management.
//
// A Channel is driven entirely by its owner feeding inbound bytes via
// Feed and by calling SendRequest/Close to produce outbound bytes through
// a caller-supplied send function - it has no direct knowledge of
// transport.Manager or any particular socket, matching how the reference
// implementation's ua_securechannel.c sits above its connection layer.
// The only loop dependency is for scheduling the proactive token-renewal
// timer (see Channel.scheduleRenew).
package channel
