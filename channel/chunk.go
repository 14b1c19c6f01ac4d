// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package channel

import (
	"github.com/joeycumines/go-uasc/security"
	"github.com/joeycumines/go-uasc/wire"
)

// computePadding returns the padding byte count and whether an extra
// padding byte is needed, per §4.7: padding is sized so that
// bodyLen+sigLen+1(+1 if the encrypting key exceeds 2048 bits) is a
// multiple of blockSize.
func computePadding(bodyLen, sigLen, blockSize, keyBits int) (padCount int, extraPad bool) {
	if blockSize <= 1 {
		return 0, false
	}
	extraPad = keyBits > 2048
	fixed := 1
	if extraPad {
		fixed = 2
	}
	total := bodyLen + sigLen + fixed
	rem := total % blockSize
	if rem == 0 {
		return 0, extraPad
	}
	return blockSize - rem, extraPad
}

// encodeSymmetricChunk builds one complete MSG/CLO chunk
// using the symmetric security header and pipeline (§4.6, §4.7): header,
// SymmetricSecurityHeader, SequenceHeader, body, padding, signature, all
// encrypted from after the SymmetricSecurityHeader to the end.
func encodeSymmetricChunk(ctx *security.Context, pol security.Policy, mt wire.MessageType, ct wire.ChunkType, channelID, tokenID, seqNum, requestID uint32, body []byte) []byte {
	sig := pol.SymmetricSignature()
	enc := pol.SymmetricEncryption()

	padCount, extraPad := computePadding(wire.SequenceHeaderSize+len(body), sig.SignatureSize(), enc.BlockSize(), enc.KeySize()*8)

	buf := make([]byte, 0, wire.MessageHeaderSize+wire.SymmetricSecurityHeaderSize+wire.SequenceHeaderSize+len(body)+padCount+2+sig.SignatureSize())

	header := wire.MessageHeader{MessageType: mt, ChunkType: ct, SecureChannelID: channelID}
	buf = header.Encode(buf)
	buf = wire.SymmetricSecurityHeader{TokenID: tokenID}.Encode(buf)
	unencryptedLen := len(buf)

	buf = wire.SequenceHeader{SequenceNumber: seqNum, RequestID: requestID}.Encode(buf)
	buf = append(buf, body...)
	if padCount > 0 {
		for i := 0; i < padCount; i++ {
			buf = append(buf, byte(padCount))
		}
	}
	buf = append(buf, byte(padCount))
	if extraPad {
		buf = append(buf, byte(padCount>>8))
	}

	signed, err := sig.Sign(ctx, buf, nil)
	if err == nil {
		buf = append(buf, signed...)
	}

	plaintext := buf[unencryptedLen:]
	ciphertext, err := enc.Encrypt(ctx, plaintext)
	if err == nil && len(ciphertext) == len(plaintext) {
		copy(buf[unencryptedLen:], ciphertext)
	}

	wire.PatchMessageSize(buf, uint32(len(buf)))
	return buf
}

// decodeSymmetricChunk reverses encodeSymmetricChunk: decrypts from
// after the SymmetricSecurityHeader, verifies the signature, strips
// padding, and returns the SequenceHeader plus the plain body.
func decodeSymmetricChunk(ctx *security.Context, pol security.Policy, h wire.MessageHeader, buf []byte) (uint32, wire.SequenceHeader, []byte, error) {
	sig := pol.SymmetricSignature()
	enc := pol.SymmetricEncryption()

	symHeader, n, err := wire.DecodeSymmetricSecurityHeader(buf)
	if err != nil {
		return 0, wire.SequenceHeader{}, nil, ErrMalformedHeader
	}
	unencryptedLen := wire.MessageHeaderSize + n
	rest := buf[unencryptedLen:]

	plaintext, err := enc.Decrypt(ctx, rest)
	if err != nil {
		return 0, wire.SequenceHeader{}, nil, ErrSecurityCheckFailed
	}

	sigSize := sig.SignatureSize()
	if len(plaintext) < sigSize+wire.SequenceHeaderSize+1 {
		return 0, wire.SequenceHeader{}, nil, ErrMalformedHeader
	}
	signed := plaintext[:len(plaintext)-sigSize]
	signature := plaintext[len(plaintext)-sigSize:]

	message := make([]byte, 0, unencryptedLen+len(signed))
	message = append(message, buf[:unencryptedLen]...)
	message = append(message, signed...)
	if err := sig.Verify(ctx, message, signature); err != nil {
		return 0, wire.SequenceHeader{}, nil, ErrSecurityCheckFailed
	}

	padCount := int(signed[len(signed)-1])
	trimmed := signed[:len(signed)-1]
	if padCount > len(trimmed) {
		return 0, wire.SequenceHeader{}, nil, ErrSecurityCheckFailed
	}
	trimmed = trimmed[:len(trimmed)-padCount]

	seqHeader, err := wire.DecodeSequenceHeader(trimmed)
	if err != nil {
		return 0, wire.SequenceHeader{}, nil, ErrMalformedHeader
	}
	return symHeader.TokenID, seqHeader, trimmed[wire.SequenceHeaderSize:], nil
}

// encodeAsymmetricChunk builds an OPN chunk (request or response): header,
// AsymmetricSecurityHeader, SequenceHeader, body, padding, signature,
// encrypted from after the asymmetric header to the end using the
// remote public key (§4.7).
func encodeAsymmetricChunk(ctx *security.Context, pol security.Policy, asymHeader wire.AsymmetricSecurityHeader, channelID, seqNum, requestID uint32, body []byte) []byte {
	sig := pol.AsymmetricSignature()
	enc := pol.AsymmetricEncryption()

	padCount, extraPad := computePadding(len(body), sig.SignatureSize(), enc.KeySize(), enc.KeySize()*8)

	var buf []byte
	header := wire.MessageHeader{MessageType: wire.MessageTypeOPN, ChunkType: wire.ChunkFinal, SecureChannelID: channelID}
	buf = header.Encode(buf)
	buf = asymHeader.Encode(buf)
	unencryptedLen := len(buf)

	buf = wire.SequenceHeader{SequenceNumber: seqNum, RequestID: requestID}.Encode(buf)
	buf = append(buf, body...)
	if enc.BlockSize() > 1 {
		for i := 0; i < padCount; i++ {
			buf = append(buf, byte(padCount))
		}
		buf = append(buf, byte(padCount))
		if extraPad {
			buf = append(buf, byte(padCount>>8))
		}
	}

	signed, err := sig.Sign(ctx, buf, nil)
	if err == nil {
		buf = append(buf, signed...)
	}

	plaintext := buf[unencryptedLen:]
	ciphertext, err := enc.Encrypt(ctx, plaintext)
	if err == nil {
		buf = append(buf[:unencryptedLen], ciphertext...)
	}

	wire.PatchMessageSize(buf, uint32(len(buf)))
	return buf
}

// decodeAsymmetricChunk reverses encodeAsymmetricChunk, given the policy
// already resolved from the asymmetric header's policyUri.
func decodeAsymmetricChunk(ctx *security.Context, pol security.Policy, asymHeaderLen int, buf []byte) (wire.SequenceHeader, []byte, error) {
	sig := pol.AsymmetricSignature()
	enc := pol.AsymmetricEncryption()

	unencryptedLen := wire.MessageHeaderSize + asymHeaderLen
	rest := buf[unencryptedLen:]

	plaintext, err := enc.Decrypt(ctx, rest)
	if err != nil {
		return wire.SequenceHeader{}, nil, ErrSecurityCheckFailed
	}

	sigSize := sig.SignatureSize()
	if len(plaintext) < sigSize+wire.SequenceHeaderSize {
		return wire.SequenceHeader{}, nil, ErrMalformedHeader
	}
	signed := plaintext[:len(plaintext)-sigSize]
	signature := plaintext[len(plaintext)-sigSize:]

	message := make([]byte, 0, unencryptedLen+len(signed))
	message = append(message, buf[:unencryptedLen]...)
	message = append(message, signed...)
	if sigSize > 0 {
		if err := sig.Verify(ctx, message, signature); err != nil {
			return wire.SequenceHeader{}, nil, ErrSecurityCheckFailed
		}
	}

	trimmed := signed
	if enc.BlockSize() > 1 && len(trimmed) > 0 {
		padCount := int(trimmed[len(trimmed)-1])
		trimmed = trimmed[:len(trimmed)-1]
		if padCount > len(trimmed) {
			return wire.SequenceHeader{}, nil, ErrSecurityCheckFailed
		}
		trimmed = trimmed[:len(trimmed)-padCount]
	}

	seqHeader, err := wire.DecodeSequenceHeader(trimmed)
	if err != nil {
		return wire.SequenceHeader{}, nil, ErrMalformedHeader
	}
	return seqHeader, trimmed[wire.SequenceHeaderSize:], nil
}

// reassembly accumulates INTERMEDIATE chunk bodies for one requestId
// until a FINAL chunk completes the logical message, per §4.6. Each
// requestId may coexist with others (multiplexing).
type reassembly struct {
	body []byte
}

// pendingByRequest tracks in-progress multi-chunk messages, keyed by
// requestId.
type pendingByRequest map[uint32]*reassembly
