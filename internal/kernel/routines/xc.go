package routines

import (
	"bytes"
	"crypto/sha1"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/zboralski/xrecomp/internal/kernel"
)

// rc4StateSize is the S-box followed by the i and j indices.
const rc4StateSize = 258

func init() {
	kernel.RegisterFunc("xc", 337, xcSHAInit)
	kernel.RegisterFunc("xc", 338, xcSHAUpdate)
	kernel.RegisterFunc("xc", 339, xcSHAFinal)
	kernel.RegisterFunc("xc", 340, xcRC4Key)
	kernel.RegisterFunc("xc", 353, xcUpdateCrypto)
}

// Guest SHA context: State[5], Count[2] (bit count, low word first),
// Buffer[64]. The running digest lives only in this block.
const (
	shaState       = 0
	shaCount       = 20
	shaBuffer      = 28
	shaContextSize = 92
)

// sha1Marshaled is the crypto/sha1 binary state: magic, five big-endian
// state words, the 64-byte block and the big-endian byte count.
const (
	sha1Magic     = "sha\x01"
	sha1Marshaled = len(sha1Magic) + 20 + 64 + 8
)

// loadSHA rebuilds the digest held in the guest context at addr. A block
// whose state words are all zero was never initialised and starts fresh.
func loadSHA(k *kernel.Call, addr uint32) (hash.Hash, error) {
	var g [shaContextSize]byte
	if err := k.Mem().Read(addr, g[:]); err != nil {
		return nil, err
	}
	h := sha1.New()
	var zero [20]byte
	if bytes.Equal(g[shaState:shaState+20], zero[:]) {
		k.Log("uninitialised context 0x%08X", addr)
		return h, nil
	}
	b := make([]byte, 0, sha1Marshaled)
	b = append(b, sha1Magic...)
	for i := 0; i < 5; i++ {
		b = binary.BigEndian.AppendUint32(b, binary.LittleEndian.Uint32(g[shaState+4*i:]))
	}
	b = append(b, g[shaBuffer:shaBuffer+64]...)
	bits := binary.LittleEndian.Uint64(g[shaCount:])
	b = binary.BigEndian.AppendUint64(b, bits/8)
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return h, nil
}

// storeSHA writes the running digest h back into the guest context.
func storeSHA(k *kernel.Call, addr uint32, h hash.Hash) error {
	b, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return err
	}
	if len(b) != sha1Marshaled || string(b[:len(sha1Magic)]) != sha1Magic {
		return fmt.Errorf("unexpected sha1 state of %d bytes", len(b))
	}
	b = b[len(sha1Magic):]
	var g [shaContextSize]byte
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint32(g[shaState+4*i:], binary.BigEndian.Uint32(b[4*i:]))
	}
	copy(g[shaBuffer:], b[20:84])
	binary.LittleEndian.PutUint64(g[shaCount:], binary.BigEndian.Uint64(b[84:])*8)
	return k.Mem().Write(addr, g[:])
}

// XcSHAInit(*Context)
func xcSHAInit(k *kernel.Call) {
	ctx := k.Arg(0)
	if err := storeSHA(k, ctx, sha1.New()); err != nil {
		k.Log("bad context 0x%08X: %v", ctx, err)
	}
	k.Return(0)
}

// XcSHAUpdate(*Context, Input, Length)
func xcSHAUpdate(k *kernel.Call) {
	ctx, in, n := k.Arg(0), k.Arg(1), k.Arg(2)
	h, err := loadSHA(k, ctx)
	if err != nil {
		k.Log("bad context 0x%08X: %v", ctx, err)
		k.Return(0)
		return
	}
	if b, err := k.View(in, n); err == nil {
		h.Write(b)
	} else {
		k.Log("bad input 0x%08X+%d: %v", in, n, err)
	}
	if err := storeSHA(k, ctx, h); err != nil {
		k.Log("bad context 0x%08X: %v", ctx, err)
	}
	k.Return(0)
}

// XcSHAFinal(*Context, *Digest)
func xcSHAFinal(k *kernel.Call) {
	ctx, out := k.Arg(0), k.Arg(1)
	h, err := loadSHA(k, ctx)
	if err != nil {
		k.Log("bad context 0x%08X: %v", ctx, err)
		h = sha1.New()
	}
	if err := k.Mem().Write(out, h.Sum(nil)); err != nil {
		k.Log("bad digest buffer 0x%08X: %v", out, err)
	}
	k.Return(0)
}

// XcRC4Key(*State, KeyLength, Key) runs the RC4 key schedule into the
// guest state block.
func xcRC4Key(k *kernel.Call) {
	st, n, key := k.Arg(0), k.Arg(1), k.Arg(2)
	kb, err := k.View(key, n)
	if err != nil || n == 0 {
		k.Log("bad key 0x%08X+%d", key, n)
		k.Return(0)
		return
	}
	var s [256]byte
	for i := range s {
		s[i] = byte(i)
	}
	var j byte
	for i := 0; i < 256; i++ {
		j += s[i] + kb[i%len(kb)]
		s[i], s[j] = s[j], s[i]
	}
	buf := append(s[:], 0, 0)
	if err := k.Mem().Write(st, buf[:rc4StateSize]); err != nil {
		k.Log("bad state 0x%08X: %v", st, err)
	}
	k.Return(0)
}

func xcUpdateCrypto(k *kernel.Call) { k.Return(0) }
