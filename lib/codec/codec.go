package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(trace.Wrap(err, "building canonical cbor encoder"))
	}
	encMode = mode

	dopts := cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}
	dmode, err := dopts.DecMode()
	if err != nil {
		panic(trace.Wrap(err, "building cbor decoder"))
	}
	decMode = dmode
}

// EncodeObject CBOR-encodes v on its own, without frame-length
// prefixing. Used to embed one object's bytes inside another, as the
// request envelope embeds its request payload.
func EncodeObject(v interface{}) ([]byte, error) {
	encoded, err := encMode.Marshal(v)
	if err != nil {
		return nil, trace.BadParameter("encoding object: %v", err)
	}
	return encoded, nil
}

// DecodeObject decodes previously-encoded bytes into v, which must be
// a pointer.
func DecodeObject(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return trace.BadParameter("decoding object: %v", err)
	}
	return nil
}

// ObjectWriter writes length-framed, CBOR-encoded objects to an
// underlying byte stream. It performs no internal buffering beyond the
// single chunk being written.
type ObjectWriter struct {
	w io.Writer
}

// NewObjectWriter wraps w.
func NewObjectWriter(w io.Writer) *ObjectWriter {
	return &ObjectWriter{w: w}
}

// WriteObject encodes v and writes it as one frame.
func (o *ObjectWriter) WriteObject(v interface{}) error {
	encoded, err := encMode.Marshal(v)
	if err != nil {
		return trace.BadParameter("encoding object: %v", err)
	}
	return WriteFrame(o.w, encoded)
}

// ObjectReader reads length-framed, CBOR-encoded objects from an
// underlying byte stream.
type ObjectReader struct {
	r io.Reader
}

// NewObjectReader wraps r.
func NewObjectReader(r io.Reader) *ObjectReader {
	return &ObjectReader{r: r}
}

// ReadObject reads one frame and decodes it into v, which must be a
// pointer.
func (o *ObjectReader) ReadObject(v interface{}) error {
	chunk, err := ReadFrame(o.r)
	if err != nil {
		return err
	}
	if err := decMode.Unmarshal(chunk, v); err != nil {
		return trace.BadParameter("decoding object: %v", err)
	}
	return nil
}
