package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/DeusData/odoo-graph/internal/failure"
)

// Encodings tried, in order, when a source is not valid UTF-8.
var fallbackEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"windows-1252", charmap.Windows1252},
	{"iso-8859-1", charmap.ISO8859_1},
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrUndecodable is returned when no known encoding decodes a file.
var ErrUndecodable = errors.New("no known text encoding")

// readSource reads a text file of at most limit bytes and returns it as
// UTF-8. Failures are *failure.Recoverable for path.
func readSource(path string, limit int64) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, failure.Recover(ioKind(err), path, err)
	}
	if limit > 0 && fi.Size() > limit {
		return nil, failure.Recoverf(failure.KindOversize, path, "%d bytes exceeds limit %d", fi.Size(), limit)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Recover(ioKind(err), path, err)
	}
	text, enc, err := decodeText(raw)
	if err != nil {
		return nil, failure.Recover(failure.KindEncoding, path, err)
	}
	if enc != "utf-8" {
		slog.Debug("extract.decode.fallback", "path", path, "encoding", enc)
	}
	return text, nil
}

func ioKind(err error) failure.Kind {
	if errors.Is(err, os.ErrPermission) {
		return failure.KindPermission
	}
	return failure.KindIO
}

// decodeText converts raw bytes to UTF-8, trying UTF-8 first and then the
// fallback encodings. NUL bytes mark binary content, which no encoding
// accepts. A decoding that produces replacement characters is rejected.
func decodeText(raw []byte) ([]byte, string, error) {
	if bytes.IndexByte(raw, 0) >= 0 {
		return nil, "", fmt.Errorf("%w: binary content", ErrUndecodable)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return raw, "utf-8", nil
	}
	for _, fb := range fallbackEncodings {
		out, err := fb.enc.NewDecoder().Bytes(raw)
		if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
			continue
		}
		return out, fb.name, nil
	}
	return nil, "", ErrUndecodable
}

// xmlCharsetReader lets the XML decoder read documents that declare a
// non-UTF-8 encoding.
func xmlCharsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(strings.TrimSpace(label))
	if err != nil {
		return nil, fmt.Errorf("xml encoding %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(input), nil
}
