package wire

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/inspectlink/inspectlink/internal/domain"
)

const (
	frameVersion = 1
	// DefaultCompressThreshold is the record body size above which bodies are compressed.
	DefaultCompressThreshold = 4096
	maxDecompressedSize      = 32 << 20
)

var (
	ErrMalformedFrame     = errors.New("wire: malformed frame")
	ErrUnknownKind        = errors.New("wire: unknown message kind")
	ErrUnsupportedVersion = errors.New("wire: unsupported frame version")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the deterministic encoding used on the wire.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Sealer is the cipher capability the codec needs.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(ciphertext, aad []byte) ([]byte, error)
}

type frame struct {
	Version    uint8  `cbor:"1,keyasint"`
	Kind       Kind   `cbor:"2,keyasint"`
	SessionID  string `cbor:"3,keyasint,omitempty"`
	Sequence   uint64 `cbor:"4,keyasint,omitempty"`
	Compressed bool   `cbor:"5,keyasint,omitempty"`
	Body       []byte `cbor:"6,keyasint"`
}

func (f frame) additionalData() ([]byte, error) {
	header := f
	header.Body = nil

	return encMode.Marshal(header)
}

type Codec struct {
	sealer            Sealer
	compressThreshold int
	enc               *zstd.Encoder
	dec               *zstd.Decoder
}

type CodecOption func(*Codec)

// WithCompressThreshold sets the record body size above which bodies are
// compressed. Zero or negative disables compression.
func WithCompressThreshold(n int) CodecOption {
	return func(c *Codec) {
		c.compressThreshold = n
	}
}

func NewCodec(sealer Sealer, opts ...CodecOption) (*Codec, error) {
	if sealer == nil {
		return nil, errors.New("wire: sealer is required")
	}

	c := &Codec{sealer: sealer, compressThreshold: DefaultCompressThreshold}
	for _, opt := range opts {
		opt(c)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	c.enc = enc
	c.dec = dec

	return c, nil
}

func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}

func (c *Codec) EncodeHandshakeRequest(req HandshakeRequest) ([]byte, error) {
	return c.encode(frame{Kind: KindHandshakeRequest}, req)
}

func (c *Codec) EncodeHandshakeResponse(resp HandshakeResponse) ([]byte, error) {
	return c.encode(frame{Kind: KindHandshakeResponse}, resp)
}

func (c *Codec) EncodeDisconnect(notice DisconnectNotice) ([]byte, error) {
	return c.encode(frame{Kind: KindDisconnect}, notice)
}

func (c *Codec) EncodeRecord(rec domain.LogRecord) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	return c.encode(frame{Kind: KindRecord, SessionID: rec.SessionID, Sequence: rec.Sequence}, rec)
}

func (c *Codec) encode(f frame, body any) ([]byte, error) {
	plain, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", f.Kind, err)
	}

	f.Version = frameVersion
	if f.Kind == KindRecord && c.compressThreshold > 0 && len(plain) > c.compressThreshold {
		plain = c.enc.EncodeAll(plain, nil)
		f.Compressed = true
	}

	aad, err := f.additionalData()
	if err != nil {
		return nil, fmt.Errorf("encode %s header: %w", f.Kind, err)
	}
	f.Body, err = c.sealer.Seal(plain, aad)
	if err != nil {
		return nil, fmt.Errorf("seal %s body: %w", f.Kind, err)
	}

	out, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}

	return out, nil
}

func (c *Codec) Decode(data []byte) (Message, error) {
	var f frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Version != frameVersion {
		return Message{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}

	aad, err := f.additionalData()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	plain, err := c.sealer.Open(f.Body, aad)
	if err != nil {
		return Message{}, fmt.Errorf("open %s body: %w", f.Kind, err)
	}
	if f.Compressed {
		plain, err = c.dec.DecodeAll(plain, nil)
		if err != nil {
			return Message{}, fmt.Errorf("%w: decompress: %v", ErrMalformedFrame, err)
		}
	}

	msg := Message{Kind: f.Kind}
	switch f.Kind {
	case KindHandshakeRequest:
		msg.HandshakeRequest = &HandshakeRequest{}
		err = decMode.Unmarshal(plain, msg.HandshakeRequest)
	case KindHandshakeResponse:
		msg.HandshakeResponse = &HandshakeResponse{}
		err = decMode.Unmarshal(plain, msg.HandshakeResponse)
	case KindDisconnect:
		msg.Disconnect = &DisconnectNotice{}
		err = decMode.Unmarshal(plain, msg.Disconnect)
	case KindRecord:
		msg.Record = &domain.LogRecord{}
		if err = decMode.Unmarshal(plain, msg.Record); err == nil {
			err = checkRecord(f, *msg.Record)
		}
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(f.Kind))
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, f.Kind, err)
	}

	return msg, nil
}

func checkRecord(f frame, rec domain.LogRecord) error {
	if rec.SessionID != f.SessionID || rec.Sequence != f.Sequence {
		return fmt.Errorf("record envelope %s/%d does not match frame header %s/%d", rec.SessionID, rec.Sequence, f.SessionID, f.Sequence)
	}

	return rec.Validate()
}
