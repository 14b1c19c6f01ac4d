// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package channel

import (
	"encoding/binary"

	"github.com/joeycumines/go-uasc/uatypes"
	"github.com/joeycumines/go-uasc/wire"
)

// Security modes, as sent in openChannelRequestBody.SecurityMode.
const (
	SecurityModeNone            uint32 = 1
	SecurityModeSign             uint32 = 2
	SecurityModeSignAndEncrypt uint32 = 3
)

// openChannelRequestBody is the OPN request body this package sends/parses.
// It is a deliberately reduced rendition of OpenSecureChannelRequest (no
// ResponseHeader/RequestHeader envelope and no type-id prefix: unlike the
// MSG bodies SendRequest frames, an OPN body starts with its first field).
type openChannelRequestBody struct {
	ClientProtocolVersion uint32
	SecurityMode          uint32
	ClientNonce           uatypes.ByteString
	RequestedLifetime     uatypes.Duration
}

func (b openChannelRequestBody) encode(buf []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], b.ClientProtocolVersion)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], b.SecurityMode)
	buf = append(buf, tmp[:]...)
	buf = wire.AppendByteString(buf, b.ClientNonce)
	binary.LittleEndian.PutUint32(tmp[:], uint32(int64(b.RequestedLifetime)))
	buf = append(buf, tmp[:]...)
	return buf
}

func decodeOpenChannelRequestBody(buf []byte) (openChannelRequestBody, error) {
	var b openChannelRequestBody
	if len(buf) < 8 {
		return b, ErrDecodingFailed
	}
	b.ClientProtocolVersion = binary.LittleEndian.Uint32(buf[0:4])
	b.SecurityMode = binary.LittleEndian.Uint32(buf[4:8])
	nonce, n, err := wire.ReadByteString(buf[8:])
	if err != nil {
		return b, ErrDecodingFailed
	}
	b.ClientNonce = nonce
	off := 8 + n
	if len(buf) < off+4 {
		return b, ErrDecodingFailed
	}
	b.RequestedLifetime = uatypes.Duration(int64(binary.LittleEndian.Uint32(buf[off : off+4])))
	return b, nil
}

// openChannelResponseBody is the OPN response body.
type openChannelResponseBody struct {
	ServerProtocolVersion uint32
	SecurityToken         uatypes.ChannelSecurityToken
	ServerNonce           uatypes.ByteString
}

func (b openChannelResponseBody) encode(buf []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], b.ServerProtocolVersion)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], b.SecurityToken.ChannelID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], b.SecurityToken.TokenID)
	buf = append(buf, tmp[:]...)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], uint64(int64(b.SecurityToken.CreatedAt)))
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(int64(b.SecurityToken.RevisedLifetime)))
	buf = append(buf, tmp[:]...)
	buf = wire.AppendByteString(buf, b.ServerNonce)
	return buf
}

func decodeOpenChannelResponseBody(buf []byte) (openChannelResponseBody, error) {
	var b openChannelResponseBody
	if len(buf) < 4+4+4+8+4 {
		return b, ErrDecodingFailed
	}
	off := 0
	b.ServerProtocolVersion = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	b.SecurityToken.ChannelID = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	b.SecurityToken.TokenID = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	b.SecurityToken.CreatedAt = uatypes.Instant(int64(binary.LittleEndian.Uint64(buf[off : off+8])))
	off += 8
	b.SecurityToken.RevisedLifetime = uatypes.Duration(int64(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	nonce, _, err := wire.ReadByteString(buf[off:])
	if err != nil {
		return b, ErrDecodingFailed
	}
	b.ServerNonce = nonce
	return b, nil
}
