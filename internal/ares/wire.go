// Package ares implements the state-serialization subsystem from spec.md
// §4.D: a depth-first traversal over a value graph or a suspended thread,
// assigning back-reference indices to collectable objects as they are
// first encountered, against a permanents table the embedder seeds with
// objects that must never be inlined.
package ares

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Magic opens every persisted stream (spec.md §6 "Opens with a magic tag").
var Magic = [4]byte{'A', 'R', 'E', '1'}

// tag is the one-byte kind discriminator prefixing every encoded value.
type tag byte

const (
	tagNil tag = iota
	tagFalse
	tagTrue
	tagNumber
	tagVector
	tagLightUserdata
	tagBackRef
	tagPermanent
	tagString
	tagTable
	tagClosureScript
	tagClosureNative
	tagThread
	tagUserdata
	tagUpvalueOpen
	tagUpvalueClosed
	tagBuffer
)

// ErrCorrupt is returned for a structurally invalid or truncated stream
// (spec.md §6 "rejects corrupted or truncated inputs with a specific
// error").
var ErrCorrupt = errors.New("ares: corrupt or truncated persisted stream")

// ErrUnknownPermanent is returned when a permanents-table key read from the
// stream has no corresponding local object registered.
var ErrUnknownPermanent = errors.New("ares: unknown permanents key")

// ErrNotPermanent is returned when serialization reaches a native function
// closure, continuation, or other un-inlinable object that was not
// registered in the permanents table (spec.md §4.D).
var ErrNotPermanent = errors.New("ares: object has no portable representation and is not registered in permanents")

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return b[0], nil
}

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(r io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return v, nil
}

func writeVarint(w io.Writer, v int64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readVarint(r io.ByteReader) (int64, error) {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return v, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r ioReader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > maxBlobLen {
		return nil, errors.Wrapf(ErrCorrupt, "blob length %d exceeds sanity bound", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return buf, nil
}

// maxBlobLen bounds any single length-prefixed blob, rejecting an obviously
// corrupted length field before attempting to allocate it.
const maxBlobLen = 1 << 32

// ioReader is the minimal interface readBytes and the varint readers need:
// both io.Reader (for ReadFull) and io.ByteReader (for binary.ReadUvarint).
type ioReader interface {
	io.Reader
	io.ByteReader
}

func writeFloat64(w io.Writer, f float64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	_, err := w.Write(buf[:])
	return err
}

func readFloat64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil
}

func writeFloat32(w io.Writer, f float32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
	_, err := w.Write(buf[:])
	return err
}

func readFloat32(r io.Reader) (float32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(ErrCorrupt, err.Error())
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[:])), nil
}
