// Package hashing computes hex file digests for the supported algorithms.
package hashing

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"

	"github.com/danmuck/taskd/internal/protocol"
)

const (
	readBufferSize = 8 * 1024

	shake128OutputLen = 32
	shake256OutputLen = 64
	blake3OutputLen   = 32
)

// ErrNotImplemented marks inputs the hasher recognises but cannot serve yet:
// remote paths and the Unimplemented algorithm.
var ErrNotImplemented = errors.New("hashing: not implemented")

// IoError wraps a local filesystem failure while opening or reading the input.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("hashing: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// Digest hashes the file named by path and returns the lowercase hex digest.
func Digest(alg protocol.HashAlgorithm, path protocol.FilePath) (string, error) {
	if path.IsRemote() {
		return "", fmt.Errorf("%w: remote path %q", ErrNotImplemented, path.Value)
	}
	sum, err := newSummer(alg)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path.Value)
	if err != nil {
		return "", &IoError{Op: "open", Path: path.Value, Err: err}
	}
	defer f.Close()
	return digestFrom(sum, f, path.Value)
}

func digestFrom(sum summer, r io.Reader, name string) (string, error) {
	if _, err := io.CopyBuffer(sum, r, make([]byte, readBufferSize)); err != nil {
		return "", &IoError{Op: "read", Path: name, Err: err}
	}
	return hex.EncodeToString(sum.Sum()), nil
}

// summer unifies fixed-size hashes and extendable-output functions.
type summer interface {
	io.Writer
	Sum() []byte
}

type fixed struct{ h hash.Hash }

func (f fixed) Write(p []byte) (int, error) { return f.h.Write(p) }
func (f fixed) Sum() []byte                 { return f.h.Sum(nil) }

type xof struct {
	h   sha3.ShakeHash
	out int
}

func (x xof) Write(p []byte) (int, error) { return x.h.Write(p) }

func (x xof) Sum() []byte {
	out := make([]byte, x.out)
	_, _ = x.h.Read(out)
	return out
}

func newSummer(alg protocol.HashAlgorithm) (summer, error) {
	switch alg {
	case protocol.SHA224:
		return fixed{sha256.New224()}, nil
	case protocol.SHA256:
		return fixed{sha256.New()}, nil
	case protocol.SHA384:
		return fixed{sha512.New384()}, nil
	case protocol.SHA512:
		return fixed{sha512.New()}, nil
	case protocol.SHA512_224:
		return fixed{sha512.New512_224()}, nil
	case protocol.SHA512_256:
		return fixed{sha512.New512_256()}, nil
	case protocol.SHA3_224:
		return fixed{sha3.New224()}, nil
	case protocol.SHA3_256:
		return fixed{sha3.New256()}, nil
	case protocol.SHA3_384:
		return fixed{sha3.New384()}, nil
	case protocol.SHA3_512:
		return fixed{sha3.New512()}, nil
	case protocol.SHAKE128:
		return xof{h: sha3.NewShake128(), out: shake128OutputLen}, nil
	case protocol.SHAKE256:
		return xof{h: sha3.NewShake256(), out: shake256OutputLen}, nil
	case protocol.BLAKE3:
		return fixed{blake3.New(blake3OutputLen, nil)}, nil
	default:
		return nil, fmt.Errorf("%w: algorithm %s", ErrNotImplemented, alg)
	}
}
