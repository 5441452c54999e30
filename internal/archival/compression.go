package archival

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

// Codec wraps one compression algorithm for snapshot files. Snapshots are
// streamed through the codec so archive size is not bounded by memory.
type Codec interface {
	Name() string
	Extension() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var codecs = map[string]Codec{
	"gzip": gzipCodec{},
	"zstd": zstdCodec{},
	"lz4":  lz4Codec{},
}

// CodecFor returns the codec registered under the given name
func CodecFor(name string) (Codec, error) {
	codec, ok := codecs[name]
	if !ok {
		return nil, errors.NewValidationError(
			fmt.Sprintf("unsupported compression algorithm: %s", name), nil)
	}
	return codec, nil
}

// CodecForFile picks a codec by snapshot file extension
func CodecForFile(path string) (Codec, error) {
	for _, codec := range codecs {
		if strings.HasSuffix(path, codec.Extension()) {
			return codec, nil
		}
	}
	return nil, errors.NewUnsupportedFormatError(
		fmt.Sprintf("unrecognized archive extension: %s", path), nil)
}

type gzipCodec struct{}

func (gzipCodec) Name() string      { return "gzip" }
func (gzipCodec) Extension() string { return ".json.gz" }

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCodec struct{}

func (zstdCodec) Name() string      { return "zstd" }
func (zstdCodec) Extension() string { return ".json.zst" }

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string      { return "lz4" }
func (lz4Codec) Extension() string { return ".json.lz4" }

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
