package protocol

import (
	"fmt"
	"strings"
)

// MessageKind is the outer ProtocolMessage discriminant.
type MessageKind uint8

const (
	KindTaskRequest  MessageKind = 0
	KindTaskResponse MessageKind = 1
)

// RequestKind is the TaskRequest discriminant.
type RequestKind uint8

const (
	RequestHashPacket RequestKind = 0
)

// ResponseStatus is the TaskResponse discriminant.
type ResponseStatus uint8

const (
	ResponseSuccess ResponseStatus = 0
	ResponseFailed  ResponseStatus = 1
)

// PathKind is the FilePath discriminant.
type PathKind uint8

const (
	PathLocal  PathKind = 0
	PathRemote PathKind = 1
)

// HashAlgorithm is the closed set of digests a worker can compute.
// Unknown wire bytes decode to AlgorithmUnimplemented.
type HashAlgorithm uint8

const (
	SHA224     HashAlgorithm = 0
	SHA256     HashAlgorithm = 1
	SHA384     HashAlgorithm = 2
	SHA512     HashAlgorithm = 3
	SHA512_224 HashAlgorithm = 4
	SHA512_256 HashAlgorithm = 5
	SHA3_224   HashAlgorithm = 6
	SHA3_256   HashAlgorithm = 7
	SHA3_384   HashAlgorithm = 8
	SHA3_512   HashAlgorithm = 9
	SHAKE128   HashAlgorithm = 10
	SHAKE256   HashAlgorithm = 11
	BLAKE3     HashAlgorithm = 12

	AlgorithmUnimplemented HashAlgorithm = 0xff
)

var algorithmNames = map[HashAlgorithm]string{
	SHA224:     "sha224",
	SHA256:     "sha256",
	SHA384:     "sha384",
	SHA512:     "sha512",
	SHA512_224: "sha512_224",
	SHA512_256: "sha512_256",
	SHA3_224:   "sha3_224",
	SHA3_256:   "sha3_256",
	SHA3_384:   "sha3_384",
	SHA3_512:   "sha3_512",
	SHAKE128:   "shake128",
	SHAKE256:   "shake256",
	BLAKE3:     "blake3",
}

// Algorithms lists every implemented algorithm in wire order.
func Algorithms() []HashAlgorithm {
	return []HashAlgorithm{
		SHA224, SHA256, SHA384, SHA512, SHA512_224, SHA512_256,
		SHA3_224, SHA3_256, SHA3_384, SHA3_512, SHAKE128, SHAKE256,
		BLAKE3,
	}
}

// AlgorithmFromByte maps a wire byte to an algorithm, degrading unknown
// values to AlgorithmUnimplemented.
func AlgorithmFromByte(b byte) HashAlgorithm {
	alg := HashAlgorithm(b)
	if _, ok := algorithmNames[alg]; !ok {
		return AlgorithmUnimplemented
	}
	return alg
}

// ParseHashAlgorithm resolves a case-insensitive name such as "sha3-256" or "SHA512_224".
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "_", "/", "_").Replace(key)
	for alg, n := range algorithmNames {
		if n == key {
			return alg, nil
		}
	}
	return AlgorithmUnimplemented, fmt.Errorf("protocol: unknown hash algorithm %q", name)
}

func (a HashAlgorithm) String() string {
	if n, ok := algorithmNames[a]; ok {
		return n
	}
	return "unimplemented"
}

// FilePath names the input of a hashing task.
type FilePath struct {
	Kind  PathKind
	Value string
}

func LocalPath(p string) FilePath {
	return FilePath{Kind: PathLocal, Value: p}
}

func RemotePath(p string) FilePath {
	return FilePath{Kind: PathRemote, Value: p}
}

func (p FilePath) IsRemote() bool {
	return p.Kind == PathRemote
}

func (p FilePath) String() string {
	if p.IsRemote() {
		return "remote:" + p.Value
	}
	return "local:" + p.Value
}

// HashingPacket is one immutable hashing task.
type HashingPacket struct {
	algorithm HashAlgorithm
	path      FilePath
}

func NewHashingPacket(alg HashAlgorithm, path FilePath) HashingPacket {
	return HashingPacket{algorithm: alg, path: path}
}

func (p HashingPacket) Algorithm() HashAlgorithm {
	return p.algorithm
}

func (p HashingPacket) Path() FilePath {
	return p.path
}

// TaskRequest is the client-to-server task union.
type TaskRequest struct {
	Kind RequestKind
	Hash HashingPacket
}

// TaskResponse is the server-to-client result union. Failed carries no detail.
type TaskResponse struct {
	Status ResponseStatus
	Digest string
}

func Success(hexDigest string) TaskResponse {
	return TaskResponse{Status: ResponseSuccess, Digest: hexDigest}
}

func Failed() TaskResponse {
	return TaskResponse{Status: ResponseFailed}
}

func (r TaskResponse) OK() bool {
	return r.Status == ResponseSuccess
}

// ProtocolMessage is the only value carried inside a frame payload.
type ProtocolMessage struct {
	Kind     MessageKind
	Request  TaskRequest
	Response TaskResponse
}

func NewHashRequest(alg HashAlgorithm, path FilePath) ProtocolMessage {
	return ProtocolMessage{
		Kind:    KindTaskRequest,
		Request: TaskRequest{Kind: RequestHashPacket, Hash: NewHashingPacket(alg, path)},
	}
}

func NewResponse(resp TaskResponse) ProtocolMessage {
	return ProtocolMessage{Kind: KindTaskResponse, Response: resp}
}
