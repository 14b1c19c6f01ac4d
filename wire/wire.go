// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package wire implements the slice of OPC UA's binary encoding needed to
// drive SecureChannel framing: the chunk header trio
// (SecureConversationMessageHeader, the asymmetric/symmetric security
// headers, SequenceHeader), and the HEL/ACK/ERR message bodies. It
// intentionally does not implement the full built-in type encoding
// table (variants, extension objects, arrays of arbitrary types) - see
// DESIGN.md for why this is the one package in the repository built
// directly on encoding/binary rather than a third-party codec.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/joeycumines/go-uasc/uatypes"
)

// Sentinel errors returned while decoding malformed input. Every one maps
// to a StatusCode via the channel package's sanitization table (§4.8).
var (
	ErrTruncated    = errors.New("wire: buffer truncated")
	ErrNegativeSize = errors.New("wire: negative length prefix below -1")
	ErrStringTooBig = errors.New("wire: length prefix exceeds remaining buffer")
)

// MessageType is the 3-ASCII-byte tag at the start of every chunk header.
type MessageType [3]byte

var (
	MessageTypeHEL = MessageType{'H', 'E', 'L'}
	MessageTypeACK = MessageType{'A', 'C', 'K'}
	MessageTypeERR = MessageType{'E', 'R', 'R'}
	MessageTypeOPN = MessageType{'O', 'P', 'N'}
	MessageTypeMSG = MessageType{'M', 'S', 'G'}
	MessageTypeCLO = MessageType{'C', 'L', 'O'}
)

func (m MessageType) String() string { return string(m[:]) }

// ChunkType is the 4th header byte, distinguishing intermediate, final,
// and abort chunks within a multi-chunk message.
type ChunkType byte

const (
	ChunkIntermediate ChunkType = 'C'
	ChunkFinal        ChunkType = 'F'
	ChunkAbort        ChunkType = 'A'
)

// HeaderSize is the fixed 8-byte messageTypeAndChunkType+messageSize
// prefix shared by every chunk, before the 4-byte secureChannelId.
const HeaderSize = 8

// MessageHeader is the first 12 bytes of every chunk:
// SecureConversationMessageHeader per §6.1.
type MessageHeader struct {
	MessageType     MessageType
	ChunkType       ChunkType
	MessageSize     uint32
	SecureChannelID uint32
}

// MessageHeaderSize is the fixed on-wire size of a MessageHeader.
const MessageHeaderSize = 12

// Encode appends the header to buf.
func (h MessageHeader) Encode(buf []byte) []byte {
	buf = append(buf, h.MessageType[0], h.MessageType[1], h.MessageType[2], byte(h.ChunkType))
	buf = appendUint32(buf, h.MessageSize)
	buf = appendUint32(buf, h.SecureChannelID)
	return buf
}

// DecodeMessageHeader reads a MessageHeader from the start of buf.
func DecodeMessageHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < MessageHeaderSize {
		return MessageHeader{}, ErrTruncated
	}
	return MessageHeader{
		MessageType:     MessageType{buf[0], buf[1], buf[2]},
		ChunkType:       ChunkType(buf[3]),
		MessageSize:     binary.LittleEndian.Uint32(buf[4:8]),
		SecureChannelID: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// PatchMessageSize overwrites the messageSize field in an already-encoded
// header at the start of buf, used once the chunk's final length is
// known (see SecureChannel's chunk-builder in §4.6).
func PatchMessageSize(buf []byte, size uint32) {
	binary.LittleEndian.PutUint32(buf[4:8], size)
}

// SymmetricSecurityHeader carries just the active token id.
type SymmetricSecurityHeader struct {
	TokenID uint32
}

const SymmetricSecurityHeaderSize = 4

func (h SymmetricSecurityHeader) Encode(buf []byte) []byte {
	return appendUint32(buf, h.TokenID)
}

func DecodeSymmetricSecurityHeader(buf []byte) (SymmetricSecurityHeader, int, error) {
	if len(buf) < SymmetricSecurityHeaderSize {
		return SymmetricSecurityHeader{}, 0, ErrTruncated
	}
	return SymmetricSecurityHeader{TokenID: binary.LittleEndian.Uint32(buf[:4])}, 4, nil
}

// AsymmetricSecurityHeader is used only in OPN chunks.
type AsymmetricSecurityHeader struct {
	SecurityPolicyURI             string
	SenderCertificate              uatypes.ByteString
	ReceiverCertificateThumbprint uatypes.ByteString
}

func (h AsymmetricSecurityHeader) Encode(buf []byte) []byte {
	buf = AppendString(buf, h.SecurityPolicyURI)
	buf = AppendByteString(buf, h.SenderCertificate)
	buf = AppendByteString(buf, h.ReceiverCertificateThumbprint)
	return buf
}

func DecodeAsymmetricSecurityHeader(buf []byte) (AsymmetricSecurityHeader, int, error) {
	var h AsymmetricSecurityHeader
	off := 0
	uri, n, err := ReadString(buf[off:])
	if err != nil {
		return h, 0, err
	}
	h.SecurityPolicyURI = uri
	off += n

	cert, n, err := ReadByteString(buf[off:])
	if err != nil {
		return h, 0, err
	}
	h.SenderCertificate = cert
	off += n

	thumb, n, err := ReadByteString(buf[off:])
	if err != nil {
		return h, 0, err
	}
	h.ReceiverCertificateThumbprint = thumb
	off += n

	return h, off, nil
}

// SequenceHeader carries the per-chunk sequence number and the request id
// grouping chunks of one logical message.
type SequenceHeader struct {
	SequenceNumber uint32
	RequestID      uint32
}

const SequenceHeaderSize = 8

func (h SequenceHeader) Encode(buf []byte) []byte {
	buf = appendUint32(buf, h.SequenceNumber)
	buf = appendUint32(buf, h.RequestID)
	return buf
}

func DecodeSequenceHeader(buf []byte) (SequenceHeader, error) {
	if len(buf) < SequenceHeaderSize {
		return SequenceHeader{}, ErrTruncated
	}
	return SequenceHeader{
		SequenceNumber: binary.LittleEndian.Uint32(buf[0:4]),
		RequestID:      binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// HelloBody is the HEL message body; AckBody reuses every field but the
// endpoint URL.
type HelloBody struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

func (b HelloBody) Encode(buf []byte) []byte {
	buf = appendUint32(buf, b.ProtocolVersion)
	buf = appendUint32(buf, b.ReceiveBufferSize)
	buf = appendUint32(buf, b.SendBufferSize)
	buf = appendUint32(buf, b.MaxMessageSize)
	buf = appendUint32(buf, b.MaxChunkCount)
	buf = AppendString(buf, b.EndpointURL)
	return buf
}

func DecodeHelloBody(buf []byte) (HelloBody, error) {
	var b HelloBody
	if len(buf) < 20 {
		return b, ErrTruncated
	}
	b.ProtocolVersion = binary.LittleEndian.Uint32(buf[0:4])
	b.ReceiveBufferSize = binary.LittleEndian.Uint32(buf[4:8])
	b.SendBufferSize = binary.LittleEndian.Uint32(buf[8:12])
	b.MaxMessageSize = binary.LittleEndian.Uint32(buf[12:16])
	b.MaxChunkCount = binary.LittleEndian.Uint32(buf[16:20])
	url, _, err := ReadString(buf[20:])
	if err != nil {
		return b, err
	}
	b.EndpointURL = url
	return b, nil
}

// AckBody is the ACK message body (HelloBody without the endpoint URL).
type AckBody struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

func (b AckBody) Encode(buf []byte) []byte {
	buf = appendUint32(buf, b.ProtocolVersion)
	buf = appendUint32(buf, b.ReceiveBufferSize)
	buf = appendUint32(buf, b.SendBufferSize)
	buf = appendUint32(buf, b.MaxMessageSize)
	buf = appendUint32(buf, b.MaxChunkCount)
	return buf
}

func DecodeAckBody(buf []byte) (AckBody, error) {
	var b AckBody
	if len(buf) < 20 {
		return b, ErrTruncated
	}
	b.ProtocolVersion = binary.LittleEndian.Uint32(buf[0:4])
	b.ReceiveBufferSize = binary.LittleEndian.Uint32(buf[4:8])
	b.SendBufferSize = binary.LittleEndian.Uint32(buf[8:12])
	b.MaxMessageSize = binary.LittleEndian.Uint32(buf[12:16])
	b.MaxChunkCount = binary.LittleEndian.Uint32(buf[16:20])
	return b, nil
}

// ErrorBody is the ERR message body.
type ErrorBody struct {
	StatusCode uint32
	Reason     string
}

func (b ErrorBody) Encode(buf []byte) []byte {
	buf = appendUint32(buf, b.StatusCode)
	buf = AppendString(buf, b.Reason)
	return buf
}

func DecodeErrorBody(buf []byte) (ErrorBody, error) {
	var b ErrorBody
	if len(buf) < 4 {
		return b, ErrTruncated
	}
	b.StatusCode = binary.LittleEndian.Uint32(buf[0:4])
	reason, _, err := ReadString(buf[4:])
	if err != nil {
		return b, err
	}
	b.Reason = reason
	return b, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// AppendString appends a length-prefixed UTF-8 string; an empty Go string
// encodes as length 0, matching the wire convention that distinguishes
// empty from null (null strings are represented in Go by this package's
// callers choosing not to call AppendString, using AppendNullString
// instead where that distinction matters).
func AppendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// AppendNullString appends the wire-null string encoding (length -1).
func AppendNullString(buf []byte) []byte {
	return appendUint32(buf, 0xFFFFFFFF)
}

// ReadString reads a length-prefixed string, returning the bytes consumed.
// A null string (length -1) decodes to "".
func ReadString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, ErrTruncated
	}
	n := int32(binary.LittleEndian.Uint32(buf[:4]))
	if n < -1 {
		return "", 0, ErrNegativeSize
	}
	if n <= 0 {
		return "", 4, nil
	}
	if len(buf) < 4+int(n) {
		return "", 0, ErrStringTooBig
	}
	return string(buf[4 : 4+int(n)]), 4 + int(n), nil
}

// AppendByteString appends a length-prefixed byte string; nil encodes as
// the wire-null value (length -1), distinct from a non-nil empty slice
// (length 0).
func AppendByteString(buf []byte, b uatypes.ByteString) []byte {
	if b == nil {
		return AppendNullString(buf)
	}
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// ReadByteString reads a length-prefixed byte string, returning bytes
// consumed. A null encoding (length -1) decodes to a nil ByteString.
func ReadByteString(buf []byte) (uatypes.ByteString, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrTruncated
	}
	n := int32(binary.LittleEndian.Uint32(buf[:4]))
	if n < -1 {
		return nil, 0, ErrNegativeSize
	}
	if n == -1 {
		return nil, 4, nil
	}
	if n == 0 {
		return uatypes.ByteString{}, 4, nil
	}
	if len(buf) < 4+int(n) {
		return nil, 0, ErrStringTooBig
	}
	out := make(uatypes.ByteString, n)
	copy(out, buf[4:4+int(n)])
	return out, 4 + int(n), nil
}

// ValidMessageType reports whether mt is one of the six recognized tags.
func ValidMessageType(mt MessageType) bool {
	switch mt {
	case MessageTypeHEL, MessageTypeACK, MessageTypeERR, MessageTypeOPN, MessageTypeMSG, MessageTypeCLO:
		return true
	default:
		return false
	}
}

// ValidChunkType reports whether ct is one of the three recognized tags.
func ValidChunkType(ct ChunkType) bool {
	switch ct {
	case ChunkIntermediate, ChunkFinal, ChunkAbort:
		return true
	default:
		return false
	}
}

// FormatHeader is a debug helper used in log fields.
func FormatHeader(h MessageHeader) string {
	return fmt.Sprintf("%s%c size=%d channel=%d", h.MessageType, h.ChunkType, h.MessageSize, h.SecureChannelID)
}
