// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package wire

import (
	"testing"

	"github.com/joeycumines/go-uasc/uatypes"
	"github.com/stretchr/testify/require"
)

func TestMessageHeader_EncodeDecodeRoundTrip(t *testing.T) {
	h := MessageHeader{MessageType: MessageTypeOPN, ChunkType: ChunkFinal, MessageSize: 123, SecureChannelID: 7}
	buf := h.Encode(nil)
	require.Len(t, buf, MessageHeaderSize)

	got, err := DecodeMessageHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeMessageHeader_Truncated(t *testing.T) {
	_, err := DecodeMessageHeader(make([]byte, 4))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestPatchMessageSize(t *testing.T) {
	h := MessageHeader{MessageType: MessageTypeHEL, ChunkType: ChunkFinal}
	buf := h.Encode(nil)
	buf = append(buf, make([]byte, 20)...)
	PatchMessageSize(buf, uint32(len(buf)))

	got, err := DecodeMessageHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(len(buf)), got.MessageSize)
}

func TestSymmetricSecurityHeader_RoundTrip(t *testing.T) {
	h := SymmetricSecurityHeader{TokenID: 42}
	buf := h.Encode(nil)
	got, n, err := DecodeSymmetricSecurityHeader(buf)
	require.NoError(t, err)
	require.Equal(t, SymmetricSecurityHeaderSize, n)
	require.Equal(t, h, got)
}

func TestAsymmetricSecurityHeader_RoundTrip(t *testing.T) {
	h := AsymmetricSecurityHeader{
		SecurityPolicyURI:             "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256",
		SenderCertificate:             uatypes.ByteString{1, 2, 3},
		ReceiverCertificateThumbprint: uatypes.ByteString{4, 5},
	}
	buf := h.Encode(nil)
	got, n, err := DecodeAsymmetricSecurityHeader(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, h, got)
}

func TestAsymmetricSecurityHeader_NilFieldsRoundTripAsNull(t *testing.T) {
	h := AsymmetricSecurityHeader{SecurityPolicyURI: "uri"}
	buf := h.Encode(nil)
	got, _, err := DecodeAsymmetricSecurityHeader(buf)
	require.NoError(t, err)
	require.Nil(t, got.SenderCertificate)
	require.Nil(t, got.ReceiverCertificateThumbprint)
}

func TestSequenceHeader_RoundTrip(t *testing.T) {
	h := SequenceHeader{SequenceNumber: 99, RequestID: 1001}
	buf := h.Encode(nil)
	require.Len(t, buf, SequenceHeaderSize)

	got, err := DecodeSequenceHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHelloBody_RoundTrip(t *testing.T) {
	b := HelloBody{
		ProtocolVersion:   0,
		ReceiveBufferSize: 65536,
		SendBufferSize:    65536,
		MaxMessageSize:    1 << 20,
		MaxChunkCount:     128,
		EndpointURL:       "opc.tcp://localhost:4840",
	}
	buf := b.Encode(nil)
	got, err := DecodeHelloBody(buf)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestAckBody_RoundTrip(t *testing.T) {
	b := AckBody{ProtocolVersion: 0, ReceiveBufferSize: 8192, SendBufferSize: 8192, MaxMessageSize: 0, MaxChunkCount: 0}
	buf := b.Encode(nil)
	got, err := DecodeAckBody(buf)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestErrorBody_RoundTrip(t *testing.T) {
	b := ErrorBody{StatusCode: 0x80010000, Reason: "internal error"}
	buf := b.Encode(nil)
	got, err := DecodeErrorBody(buf)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestReadString_NullAndEmpty(t *testing.T) {
	buf := AppendNullString(nil)
	s, n, err := ReadString(buf)
	require.NoError(t, err)
	require.Equal(t, "", s)
	require.Equal(t, 4, n)

	buf = AppendString(nil, "")
	s, n, err = ReadString(buf)
	require.NoError(t, err)
	require.Equal(t, "", s)
	require.Equal(t, 4, n)
}

func TestReadString_TooBig(t *testing.T) {
	buf := appendUint32(nil, 10)
	_, _, err := ReadString(buf)
	require.ErrorIs(t, err, ErrStringTooBig)
}

func TestReadString_NegativeSize(t *testing.T) {
	buf := appendUint32(nil, 0xFFFFFFFE) // -2 as int32
	_, _, err := ReadString(buf)
	require.ErrorIs(t, err, ErrNegativeSize)
}

func TestReadByteString_NullVsEmpty(t *testing.T) {
	buf := AppendByteString(nil, nil)
	got, n, err := ReadByteString(buf)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 4, n)

	buf = AppendByteString(nil, uatypes.ByteString{})
	got, _, err = ReadByteString(buf)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestValidMessageType(t *testing.T) {
	require.True(t, ValidMessageType(MessageTypeHEL))
	require.True(t, ValidMessageType(MessageTypeMSG))
	require.False(t, ValidMessageType(MessageType{'X', 'Y', 'Z'}))
}

func TestValidChunkType(t *testing.T) {
	require.True(t, ValidChunkType(ChunkIntermediate))
	require.True(t, ValidChunkType(ChunkFinal))
	require.True(t, ValidChunkType(ChunkAbort))
	require.False(t, ValidChunkType(ChunkType('Z')))
}

func TestFormatHeader(t *testing.T) {
	h := MessageHeader{MessageType: MessageTypeMSG, ChunkType: ChunkFinal, MessageSize: 10, SecureChannelID: 3}
	require.Equal(t, "MSGF size=10 channel=3", FormatHeader(h))
}
