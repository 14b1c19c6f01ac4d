// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package channel

import (
	"crypto/x509"
	"errors"
	"time"

	eventloop "github.com/joeycumines/go-uasc/loop"
	"github.com/joeycumines/go-uasc/security"
	"github.com/joeycumines/go-uasc/uatypes"
	"github.com/joeycumines/go-uasc/wire"
)

// MessageHandler is invoked once per fully reassembled MSG body, per
// §4.6's chunk-merging rule (one call per requestId/FINAL pair).
type MessageHandler func(requestID uint32, bodyTypeID uint32, body []byte)

// StateChangeHandler is invoked whenever a Channel's State transitions.
type StateChangeHandler func(s State)

// globalChannelID/globalTokenID back a process-wide counter for
// server-role channel and token id allocation; starting above zero keeps
// 0 reserved for "not yet assigned" (the very first OPN on the server
// accepts secureChannelId == 0, per §4.6's inbound validation exception).
var globalChannelID uint32
var globalTokenID uint32

func allocChannelID() uint32 {
	globalChannelID++
	return globalChannelID
}

func allocTokenID() uint32 {
	globalTokenID++
	return globalTokenID
}

// Channel drives one SecureChannel's protocol state: HEL/ACK negotiation,
// OPN establishment and renewal, chunk framing and crypto, sequence
// number bookkeeping, and the ERR-sanitizing close path. All state is
// accessed only on the owning EventLoop's goroutine (§5) - Channel
// carries no internal locking, matching the single-threaded cooperative
// model the rest of this repository follows.
type Channel struct {
	cfg    Config
	loop   *eventloop.Loop
	send   func([]byte) error
	onMsg  MessageHandler
	onState StateChangeHandler
	logger eventloop.Logger
	metrics *eventloop.Metrics

	state     State
	channelID uint32

	negSend    uint32
	negRecv    uint32
	negMaxMsg  uint32
	negMaxChk  uint32

	policy security.Policy
	secCtx *security.Context
	tokens tokenSet

	// prevKeys holds the superseded generation's remote symmetric keys,
	// kept alive only for decoding inbound chunks still tagged with
	// tokens.previous during its grace window (§4.5/§4.7). Nil once that
	// window lapses or no renewal has happened yet.
	prevKeys *security.Context
	// pendingKeys holds the next generation's derived symmetric keys on
	// the token-receiving side, staged but not yet applied to secCtx -
	// they become live only when handleSymmetric observes the first
	// inbound chunk bearing tokens.next and revolves.
	pendingKeys *security.Context

	localNonce  uatypes.ByteString
	remoteNonce uatypes.ByteString

	sendSeq    uint32
	recvSeq    uint32
	recvSeqSet bool

	nextRequestID uint32

	pending   pendingByRequest
	recvAccum []byte

	rotateTimer uint64
	hasRotate   bool
}

// ChannelOption configures optional Channel collaborators.
type ChannelOption func(*Channel)

// WithLogger attaches a structured logger.
func WithLogger(l eventloop.Logger) ChannelOption {
	return func(c *Channel) { c.logger = l }
}

// WithMetrics attaches the owning Loop's Metrics so chunk throughput and
// token-rotation latency are recorded (see loop.Metrics.RecordChunk /
// RecordTokenRotation).
func WithMetrics(m *eventloop.Metrics) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// NewChannel constructs a Channel in StateFresh. send transmits one
// already-framed chunk (the caller typically wires this to
// transport.Manager.SendWithConnection); onMsg receives reassembled MSG
// bodies.
func NewChannel(cfg Config, send func([]byte) error, onMsg MessageHandler, opts ...ChannelOption) *Channel {
	c := &Channel{
		cfg:     cfg,
		send:    send,
		onMsg:   onMsg,
		logger:  eventloop.NewNoOpLogger(),
		pending: make(pendingByRequest),
		policy:  cfg.DefaultPolicy,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// State reports the Channel's current state.
func (c *Channel) State() State { return c.state }

// OnStateChange registers a callback for state transitions.
func (c *Channel) OnStateChange(fn StateChangeHandler) { c.onState = fn }

func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}

// Open begins the handshake: a client-role Channel sends HEL; a
// server-role Channel does nothing but wait for one (§4.5).
func (c *Channel) Open(l *eventloop.Loop) error {
	c.loop = l
	if c.cfg.IsServer {
		return nil
	}
	hello := wire.HelloBody{
		ProtocolVersion:   c.cfg.ProtocolVersion,
		ReceiveBufferSize: c.cfg.ReceiveBufferSize,
		SendBufferSize:    c.cfg.SendBufferSize,
		MaxMessageSize:    c.cfg.MaxMessageSize,
		MaxChunkCount:     c.cfg.MaxChunkCount,
		EndpointURL:       c.cfg.EndpointURL,
	}
	var buf []byte
	header := wire.MessageHeader{MessageType: wire.MessageTypeHEL, ChunkType: wire.ChunkFinal}
	buf = header.Encode(buf)
	buf = hello.Encode(buf)
	wire.PatchMessageSize(buf, uint32(len(buf)))
	if err := c.send(buf); err != nil {
		return err
	}
	c.setState(StateHelSent)
	return nil
}

// Close sends a CLO chunk (best-effort) and transitions to CLOSING; the
// caller is responsible for tearing down the underlying connection once
// CLOSED is observed (there is no ERR/ack for CLO in the wire protocol).
func (c *Channel) Close() error {
	if c.state == StateClosing || c.state == StateClosed {
		return nil
	}
	if c.state == StateOpen && c.tokens.current != nil {
		chunk := encodeSymmetricChunk(c.secCtx, c.policy, wire.MessageTypeCLO, wire.ChunkFinal, c.channelID, c.tokens.current.TokenID, c.nextSendSeq(), c.nextReqID(), nil)
		_ = c.send(chunk)
	}
	c.setState(StateClosing)
	c.setState(StateClosed)
	return nil
}

func (c *Channel) nextSendSeq() uint32 {
	c.sendSeq++
	return c.sendSeq
}

func (c *Channel) nextReqID() uint32 {
	c.nextRequestID++
	return c.nextRequestID
}

// sendErr sanitizes err per §4.8 and sends a one-shot ERR chunk before
// the caller closes the channel.
func (c *Channel) sendErr(err error) {
	code, reason := sanitize(err)
	body := wire.ErrorBody{StatusCode: uint32(code), Reason: reason}
	var buf []byte
	header := wire.MessageHeader{MessageType: wire.MessageTypeERR, ChunkType: wire.ChunkFinal, SecureChannelID: c.channelID}
	buf = header.Encode(buf)
	buf = body.Encode(buf)
	wire.PatchMessageSize(buf, uint32(len(buf)))
	_ = c.send(buf)
}

func (c *Channel) fail(err error) {
	// A signature mismatch or decrypt failure closes silently per §4.7 -
	// emitting an ERR here would hand an attacker a decrypt/verify oracle.
	if !errors.Is(err, ErrSecurityCheckFailed) {
		c.sendErr(err)
	}
	c.setState(StateClosing)
	c.setState(StateClosed)
}

// Feed supplies inbound bytes read from the transport. It accumulates
// partial reads and dispatches every complete chunk found, per §4.6's
// inbound assembly rules.
func (c *Channel) Feed(data []byte) error {
	c.recvAccum = append(c.recvAccum, data...)

	for {
		if len(c.recvAccum) < wire.MessageHeaderSize {
			return nil
		}
		h, err := wire.DecodeMessageHeader(c.recvAccum)
		if err != nil {
			c.fail(ErrMalformedHeader)
			return err
		}
		if !wire.ValidMessageType(h.MessageType) || !wire.ValidChunkType(h.ChunkType) {
			c.fail(ErrMalformedHeader)
			return ErrMalformedHeader
		}
		recvLimit := c.cfg.ReceiveBufferSize
		if c.negRecv != 0 {
			recvLimit = c.negRecv
		}
		if h.MessageSize < 16 || (recvLimit != 0 && h.MessageSize > recvLimit) {
			c.fail(ErrMalformedHeader)
			return ErrMalformedHeader
		}
		if uint32(len(c.recvAccum)) < h.MessageSize {
			return nil // wait for the rest of this chunk
		}
		if c.channelID != 0 && h.SecureChannelID != c.channelID {
			c.fail(ErrMalformedHeader)
			return ErrMalformedHeader
		}

		chunk := make([]byte, h.MessageSize)
		copy(chunk, c.recvAccum[:h.MessageSize])
		c.recvAccum = append(c.recvAccum[:0], c.recvAccum[h.MessageSize:]...)

		if c.metrics != nil {
			c.metrics.RecordChunk()
		}

		if err := c.dispatch(h, chunk); err != nil {
			return err
		}
		if c.state == StateClosed {
			return nil
		}
	}
}

func (c *Channel) dispatch(h wire.MessageHeader, chunk []byte) error {
	switch h.MessageType {
	case wire.MessageTypeHEL:
		return c.handleHello(chunk)
	case wire.MessageTypeACK:
		return c.handleAck(chunk)
	case wire.MessageTypeERR:
		return c.handleErr(chunk)
	case wire.MessageTypeOPN:
		return c.handleOPN(chunk)
	case wire.MessageTypeMSG:
		return c.handleSymmetric(h, chunk, false)
	case wire.MessageTypeCLO:
		return c.handleSymmetric(h, chunk, true)
	default:
		c.fail(ErrMalformedHeader)
		return ErrMalformedHeader
	}
}

func (c *Channel) handleHello(chunk []byte) error {
	if !c.cfg.IsServer || c.state != StateFresh {
		c.fail(ErrWrongState)
		return ErrWrongState
	}
	body, err := wire.DecodeHelloBody(chunk[wire.MessageHeaderSize:])
	if err != nil {
		c.fail(ErrDecodingFailed)
		return err
	}
	if err := c.negotiate(body.ProtocolVersion, body.ReceiveBufferSize, body.SendBufferSize, body.MaxMessageSize, body.MaxChunkCount); err != nil {
		c.fail(err)
		return err
	}

	ack := wire.AckBody{
		ProtocolVersion:   c.cfg.ProtocolVersion,
		ReceiveBufferSize: c.cfg.ReceiveBufferSize,
		SendBufferSize:    c.cfg.SendBufferSize,
		MaxMessageSize:    c.cfg.MaxMessageSize,
		MaxChunkCount:     c.cfg.MaxChunkCount,
	}
	var buf []byte
	header := wire.MessageHeader{MessageType: wire.MessageTypeACK, ChunkType: wire.ChunkFinal}
	buf = header.Encode(buf)
	buf = ack.Encode(buf)
	wire.PatchMessageSize(buf, uint32(len(buf)))
	if err := c.send(buf); err != nil {
		return err
	}
	c.setState(StateHelReceived)
	return nil
}

func (c *Channel) handleAck(chunk []byte) error {
	if c.cfg.IsServer || c.state != StateHelSent {
		c.fail(ErrWrongState)
		return ErrWrongState
	}
	body, err := wire.DecodeAckBody(chunk[wire.MessageHeaderSize:])
	if err != nil {
		c.fail(ErrDecodingFailed)
		return err
	}
	if err := c.negotiate(body.ProtocolVersion, body.ReceiveBufferSize, body.SendBufferSize, body.MaxMessageSize, body.MaxChunkCount); err != nil {
		c.fail(err)
		return err
	}
	c.setState(StateHelReceived)
	return c.sendOPNRequest()
}

func (c *Channel) handleErr(chunk []byte) error {
	_, _ = wire.DecodeErrorBody(chunk[wire.MessageHeaderSize:])
	c.setState(StateClosing)
	c.setState(StateClosed)
	return nil
}

// negotiate applies §4.5's HEL/ACK rules given the remote's protocol
// version and buffer parameters; local is always this side's
// own-direction field (e.g. for the server, remoteRecv paired with
// c.cfg.SendBufferSize, since the server's send fills the peer's recv).
func (c *Channel) negotiate(remoteVersion, remoteRecv, remoteSend, remoteMaxMsg, remoteMaxChunk uint32) error {
	c.negSend = minU32(c.cfg.SendBufferSize, remoteRecv)
	c.negRecv = minU32(c.cfg.ReceiveBufferSize, remoteSend)
	c.negMaxMsg = minNonZero(c.cfg.MaxMessageSize, remoteMaxMsg)
	c.negMaxChk = minNonZero(c.cfg.MaxChunkCount, remoteMaxChunk)
	if c.negSend < MinNegotiatedBufferSize || c.negRecv < MinNegotiatedBufferSize {
		return ErrNegotiationFailed
	}
	_ = remoteVersion
	return nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// minNonZero treats 0 as "unlimited": the combination is unlimited only
// if both sides are, otherwise the smaller non-zero bound wins.
func minNonZero(a, b uint32) uint32 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	return minU32(a, b)
}

// sendOPNRequest issues an OPN request (initial establishment or
// renewal), per §4.5/§4.7. Only meaningful for the client role - the
// server never initiates one.
func (c *Channel) sendOPNRequest() error {
	if c.policy == nil {
		c.policy = security.NewNonePolicy()
	}
	if c.secCtx == nil {
		ctx, err := c.policy.NewContext(nil)
		if err != nil {
			return err
		}
		c.secCtx = ctx
	}

	c.localNonce = make(uatypes.ByteString, c.policy.NonceLength())
	if err := c.policy.GenerateNonce(c.localNonce); err != nil {
		return err
	}

	mode := SecurityModeNone
	if c.policy.URI() != security.NonePolicyURI {
		mode = SecurityModeSignAndEncrypt
	}
	reqBody := openChannelRequestBody{
		ClientProtocolVersion: c.cfg.ProtocolVersion,
		SecurityMode:          mode,
		ClientNonce:           c.localNonce,
		RequestedLifetime:     uatypes.DurationFromGo(c.cfg.RequestedLifetime),
	}
	var bodyBuf []byte
	bodyBuf = reqBody.encode(bodyBuf)

	asymHeader := wire.AsymmetricSecurityHeader{
		SecurityPolicyURI:             c.policy.URI(),
		SenderCertificate:             c.policy.LocalCertificate(),
		ReceiverCertificateThumbprint: c.cfg.LocalCertificateThumbprint,
	}
	chunk := encodeAsymmetricChunk(c.secCtx, c.policy, asymHeader, c.channelID, c.nextSendSeq(), c.nextReqID(), bodyBuf)
	return c.send(chunk)
}

func (c *Channel) handleOPN(chunk []byte) error {
	h, _ := wire.DecodeMessageHeader(chunk)
	asymHeader, n, err := wire.DecodeAsymmetricSecurityHeader(chunk[wire.MessageHeaderSize:])
	if err != nil {
		c.fail(ErrMalformedHeader)
		return err
	}

	pol := c.policy
	if pol == nil || (asymHeader.SecurityPolicyURI != "" && pol.URI() != asymHeader.SecurityPolicyURI) {
		candidate, ok := c.cfg.Policies[asymHeader.SecurityPolicyURI]
		if !ok {
			c.fail(ErrUnknownSecurityPolicy)
			return ErrUnknownSecurityPolicy
		}
		pol = candidate
	}

	var remoteCert *x509.Certificate
	if len(asymHeader.SenderCertificate) > 0 {
		remoteCert, err = x509.ParseCertificate(asymHeader.SenderCertificate)
		if err != nil {
			c.fail(ErrCertificateInvalid)
			return err
		}
	}

	ctx := c.secCtx
	if ctx == nil || c.policy != pol {
		ctx, err = pol.NewContext(remoteCert)
		if err != nil {
			c.fail(ErrCertificateInvalid)
			return err
		}
	} else {
		ctx.RemoteCertificate = remoteCert
	}
	if remoteCert != nil {
		if err := pol.VerifyCertificate(ctx); err != nil {
			c.fail(ErrCertificateInvalid)
			return err
		}
	}
	c.policy = pol
	c.secCtx = ctx

	_, body, err := decodeAsymmetricChunk(ctx, pol, n, chunk)
	if err != nil {
		c.fail(err)
		return err
	}

	if c.cfg.IsServer {
		return c.handleOPNRequest(h, body)
	}
	return c.handleOPNResponse(body)
}

func (c *Channel) handleOPNRequest(h wire.MessageHeader, body []byte) error {
	req, err := decodeOpenChannelRequestBody(body)
	if err != nil {
		c.fail(ErrDecodingFailed)
		return err
	}
	if c.channelID == 0 {
		c.channelID = allocChannelID()
	}

	c.remoteNonce = req.ClientNonce
	c.localNonce = make(uatypes.ByteString, c.policy.NonceLength())
	if err := c.policy.GenerateNonce(c.localNonce); err != nil {
		c.fail(err)
		return err
	}

	lifetime := req.RequestedLifetime
	if lifetime <= 0 {
		lifetime = uatypes.DurationFromGo(c.cfg.RequestedLifetime)
	}
	tok := uatypes.ChannelSecurityToken{
		ChannelID:       c.channelID,
		TokenID:         allocTokenID(),
		CreatedAt:       uatypes.Now(),
		RevisedLifetime: lifetime,
	}
	keys, err := c.deriveSymmetricKeys(req.ClientNonce, c.localNonce)
	if err != nil {
		c.fail(ErrSecurityCheckFailed)
		return err
	}
	c.installIssuedToken(tok, keys)

	resp := openChannelResponseBody{
		ServerProtocolVersion: c.cfg.ProtocolVersion,
		SecurityToken:         tok,
		ServerNonce:           c.localNonce,
	}
	var bodyBuf []byte
	bodyBuf = resp.encode(bodyBuf)
	var remoteDER []byte
	if c.secCtx.RemoteCertificate != nil {
		remoteDER = c.secCtx.RemoteCertificate.Raw
	}
	asymHeader := wire.AsymmetricSecurityHeader{
		SecurityPolicyURI:             c.policy.URI(),
		SenderCertificate:             c.policy.LocalCertificate(),
		ReceiverCertificateThumbprint: c.policy.MakeThumbprint(remoteDER),
	}
	chunk := encodeAsymmetricChunk(c.secCtx, c.policy, asymHeader, c.channelID, c.nextSendSeq(), c.nextReqID(), bodyBuf)
	if err := c.send(chunk); err != nil {
		return err
	}

	c.setState(StateOpen)
	c.scheduleRenew(tok.RevisedLifetime.Go())
	return nil
}

func (c *Channel) handleOPNResponse(body []byte) error {
	resp, err := decodeOpenChannelResponseBody(body)
	if err != nil {
		c.fail(ErrDecodingFailed)
		return err
	}
	c.channelID = resp.SecurityToken.ChannelID
	c.remoteNonce = resp.ServerNonce

	keys, err := c.deriveSymmetricKeys(c.localNonce, resp.ServerNonce)
	if err != nil {
		c.fail(ErrSecurityCheckFailed)
		return err
	}
	if c.tokens.current == nil {
		c.activateFirstToken(resp.SecurityToken, keys)
	} else {
		// The client never issues tokens (only the server allocates
		// them - see allocTokenID's call sites) so a renewal token is
		// staged as pending here, per §4.5: it is promoted to current,
		// and its keys applied, only once handleSymmetric observes the
		// server's first inbound chunk tagged with this tokenId.
		c.tokens.setNext(resp.SecurityToken)
		c.pendingKeys = keys
	}

	c.setState(StateOpen)
	c.scheduleRenew(resp.SecurityToken.RevisedLifetime.Go())
	return nil
}

// deriveSymmetricKeys computes one renewal's worth of local/remote
// symmetric key material from the two nonces exchanged during OPN, per
// §4.7's generateKey(nonceA, nonceB, out) contract. The result is a
// standalone bundle (no certificate, no tokenSet linkage) so it can be
// staged as tokens.next's pending keys or retained as tokens.previous's
// grace-window keys independently of secCtx's lifetime.
func (c *Channel) deriveSymmetricKeys(clientNonce, serverNonce []byte) (*security.Context, error) {
	pol := c.policy
	sigLen, encLen, ivLen := pol.SymmetricKeyLengths()
	keys := &security.Context{}
	total := sigLen + encLen + ivLen
	if total == 0 {
		return keys, nil
	}

	clientKeys := make([]byte, total)
	if err := pol.GenerateKey(serverNonce, clientNonce, clientKeys); err != nil {
		return nil, err
	}
	serverKeys := make([]byte, total)
	if err := pol.GenerateKey(clientNonce, serverNonce, serverKeys); err != nil {
		return nil, err
	}

	clientSig, clientEnc, clientIV := clientKeys[:sigLen], clientKeys[sigLen:sigLen+encLen], clientKeys[sigLen+encLen:]
	serverSig, serverEnc, serverIV := serverKeys[:sigLen], serverKeys[sigLen:sigLen+encLen], serverKeys[sigLen+encLen:]

	if c.cfg.IsServer {
		keys.SetLocalSymKeys(serverSig, serverEnc, serverIV)
		keys.SetRemoteSymKeys(clientSig, clientEnc, clientIV)
	} else {
		keys.SetLocalSymKeys(clientSig, clientEnc, clientIV)
		keys.SetRemoteSymKeys(serverSig, serverEnc, serverIV)
	}
	return keys, nil
}

// activateFirstToken installs tok as the channel's very first current
// token and applies keys as secCtx's live symmetric key material. There
// is no prior generation to retain, so no snapshot is taken.
func (c *Channel) activateFirstToken(tok uatypes.ChannelSecurityToken, keys *security.Context) {
	c.tokens.activateFirst(tok)
	c.applyCurrentKeys(keys)
}

// installIssuedToken installs a token the local side itself allocated
// (server-only, per allocTokenID's call sites). The issuer starts using
// a renewal token and its keys immediately rather than waiting for a
// round trip to confirm it, per DESIGN.md's resolution of the "immediate
// promotion for the side that issued it" open question; the superseded
// generation's remote keys are retained in prevKeys so late chunks still
// tagged with tokens.previous decode correctly during its grace window.
func (c *Channel) installIssuedToken(tok uatypes.ChannelSecurityToken, keys *security.Context) {
	if c.tokens.current == nil {
		c.activateFirstToken(tok, keys)
		return
	}
	c.snapshotCurrentAsPrevious()
	c.tokens.setNext(tok)
	c.tokens.revolve()
	c.applyCurrentKeys(keys)
}

// revolveToken promotes tokens.next (and its staged pendingKeys) to
// current, per §4.5's "previousToken <- current, current <- next, next
// cleared" - triggered by handleSymmetric observing the first inbound
// chunk tagged with tokens.next's id. The outgoing generation's remote
// keys are retained in prevKeys for its grace window.
func (c *Channel) revolveToken() {
	c.snapshotCurrentAsPrevious()
	c.tokens.revolve()
	c.applyCurrentKeys(c.pendingKeys)
	c.pendingKeys = nil
}

// snapshotCurrentAsPrevious copies secCtx's current remote symmetric
// keys into prevKeys before they are overwritten, so inbound chunks
// still bearing the outgoing token can be decoded within its 1.25x
// grace window (§4.5, Testable Property 6).
func (c *Channel) snapshotCurrentAsPrevious() {
	c.prevKeys = &security.Context{
		RemoteSigningKey:    c.secCtx.RemoteSigningKey,
		RemoteEncryptingKey: c.secCtx.RemoteEncryptingKey,
		RemoteIV:            c.secCtx.RemoteIV,
	}
}

// applyCurrentKeys installs keys as secCtx's live symmetric key
// material, used for all outbound chunks and for inbound chunks tagged
// with tokens.current.
func (c *Channel) applyCurrentKeys(keys *security.Context) {
	c.secCtx.SetLocalSymKeys(keys.LocalSigningKey, keys.LocalEncryptingKey, keys.LocalIV)
	c.secCtx.SetRemoteSymKeys(keys.RemoteSigningKey, keys.RemoteEncryptingKey, keys.RemoteIV)
}

// scheduleRenew arms the proactive token-renewal timer at 0.75x the
// current token's lifetime, per §4.5. Only the client side ever fires a
// renewal (it is the only side that sends OPN requests).
func (c *Channel) scheduleRenew(lifetime time.Duration) {
	if c.loop == nil || c.cfg.IsServer || lifetime <= 0 {
		return
	}
	if c.hasRotate {
		_ = c.loop.RemoveTimer(c.rotateTimer)
	}
	due := time.Duration(float64(lifetime) * 0.75)
	id, err := c.loop.AddTimer(due, eventloop.CurrentTime, func() {
		if c.state != StateOpen {
			return
		}
		start := time.Now()
		_ = c.sendOPNRequest()
		if c.metrics != nil {
			c.metrics.RecordTokenRotation(time.Since(start))
		}
	})
	if err == nil {
		c.rotateTimer = id
		c.hasRotate = true
	}
}

// handleSymmetric processes one MSG or CLO chunk: token resolution,
// decrypt/verify, sequence-number validation with the wrap rule, and
// (for MSG) chunk reassembly/dispatch.
func (c *Channel) handleSymmetric(h wire.MessageHeader, chunk []byte, isClose bool) error {
	if c.state != StateOpen && c.state != StateClosing {
		c.fail(ErrWrongState)
		return ErrWrongState
	}

	// The tokenId must be known before decoding, since which key
	// material applies (current, the grace-window previous, or the
	// pending next) depends on it - decoding against the wrong
	// generation's keys fails signature/decrypt, not token lookup.
	symHeader, _, err := wire.DecodeSymmetricSecurityHeader(chunk[wire.MessageHeaderSize:])
	if err != nil {
		c.fail(ErrMalformedHeader)
		return ErrMalformedHeader
	}

	decodeCtx := c.secCtx
	revolveOnSuccess := false
	switch {
	case c.tokens.current != nil && c.tokens.current.TokenID == symHeader.TokenID:
		// decodeCtx is already c.secCtx.
	case c.tokens.previous != nil && c.tokens.previous.TokenID == symHeader.TokenID &&
		c.tokens.acceptsInbound(symHeader.TokenID, uatypes.Now()):
		if c.prevKeys != nil {
			decodeCtx = c.prevKeys
		}
	case c.tokens.isNext(symHeader.TokenID) && c.pendingKeys != nil:
		decodeCtx = c.pendingKeys
		revolveOnSuccess = true
	default:
		c.fail(ErrUnknownToken)
		return ErrUnknownToken
	}

	_, seqHeader, body, err := decodeSymmetricChunk(decodeCtx, c.policy, h, chunk[wire.MessageHeaderSize:])
	if err != nil {
		c.fail(err)
		return err
	}

	if revolveOnSuccess {
		c.revolveToken()
	}

	if err := c.validateSequence(seqHeader.SequenceNumber); err != nil {
		c.fail(err)
		return err
	}

	if isClose {
		c.setState(StateClosing)
		c.setState(StateClosed)
		return nil
	}

	return c.mergeChunk(h.ChunkType, seqHeader.RequestID, body)
}

// validateSequence enforces §4.7's wrap rule: once
// receiveSequenceNumber+1 exceeds SequenceNumberWrapThreshold, an
// incoming value below SequenceNumberWrapWindow is accepted as a wrap.
func (c *Channel) validateSequence(incoming uint32) error {
	if !c.recvSeqSet {
		c.recvSeq = incoming
		c.recvSeqSet = true
		return nil
	}
	if c.recvSeq+1 > SequenceNumberWrapThreshold && incoming < SequenceNumberWrapWindow {
		c.recvSeq = incoming
		return nil
	}
	if incoming != c.recvSeq+1 {
		return ErrSecurityCheckFailed
	}
	c.recvSeq = incoming
	return nil
}

func (c *Channel) mergeChunk(ct wire.ChunkType, requestID uint32, body []byte) error {
	switch ct {
	case wire.ChunkAbort:
		delete(c.pending, requestID)
		return nil
	case wire.ChunkIntermediate:
		r, ok := c.pending[requestID]
		if !ok {
			r = &reassembly{}
			c.pending[requestID] = r
		}
		r.body = append(r.body, body...)
		return nil
	case wire.ChunkFinal:
		r, ok := c.pending[requestID]
		var full []byte
		if ok {
			full = append(r.body, body...)
			delete(c.pending, requestID)
		} else {
			full = body
		}
		if len(full) < 4 {
			c.fail(ErrDecodingFailed)
			return ErrDecodingFailed
		}
		bodyTypeID := uint32(full[0]) | uint32(full[1])<<8 | uint32(full[2])<<16 | uint32(full[3])<<24
		if c.onMsg != nil {
			c.onMsg(requestID, bodyTypeID, full[4:])
		}
		return nil
	default:
		return ErrMalformedHeader
	}
}

// SendRequest encodes and sends body (prefixed with bodyTypeID, a
// caller-chosen identifier echoed back to the peer's MessageHandler) as
// one or more MSG chunks, splitting across chunks as needed to respect
// the negotiated sendBufferSize, and enforcing the maxMessageSize /
// maxChunkCount budget of §4.6 (aborting with BadResponseTooLarge on
// overflow).
func (c *Channel) SendRequest(requestID, bodyTypeID uint32, body []byte) error {
	if c.state != StateOpen {
		return ErrChannelClosed
	}

	full := make([]byte, 4+len(body))
	full[0] = byte(bodyTypeID)
	full[1] = byte(bodyTypeID >> 8)
	full[2] = byte(bodyTypeID >> 16)
	full[3] = byte(bodyTypeID >> 24)
	copy(full[4:], body)

	const overhead = wire.MessageHeaderSize + wire.SymmetricSecurityHeaderSize + wire.SequenceHeaderSize + 64
	chunkSize := int(c.negSend)
	if chunkSize <= overhead {
		chunkSize = 8192
	}
	payloadPerChunk := chunkSize - overhead
	if payloadPerChunk <= 0 {
		payloadPerChunk = 1024
	}

	totalBytes := 0
	chunkCount := 0
	for offset := 0; offset < len(full) || (offset == 0 && len(full) == 0); {
		end := offset + payloadPerChunk
		if end > len(full) {
			end = len(full)
		}
		piece := full[offset:end]
		isFinal := end >= len(full)

		chunkCount++
		totalBytes += len(piece)
		if (c.negMaxChk != 0 && uint32(chunkCount) > c.negMaxChk) || (c.negMaxMsg != 0 && uint32(totalBytes) > c.negMaxMsg) {
			abortBody := wire.ErrorBody{StatusCode: uint32(BadResponseTooLarge)}
			abort := encodeSymmetricChunk(c.secCtx, c.policy, wire.MessageTypeMSG, wire.ChunkAbort, c.channelID, c.tokens.current.TokenID, c.nextSendSeq(), requestID, abortBody.Encode(nil))
			_ = c.send(abort)
			return ErrMessageTooLarge
		}

		ct := wire.ChunkIntermediate
		if isFinal {
			ct = wire.ChunkFinal
		}
		chunk := encodeSymmetricChunk(c.secCtx, c.policy, wire.MessageTypeMSG, ct, c.channelID, c.tokens.current.TokenID, c.nextSendSeq(), requestID, piece)
		if err := c.send(chunk); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.RecordChunk()
		}
		if isFinal {
			break
		}
		offset = end
	}
	return nil
}
