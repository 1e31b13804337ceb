// Package extract parses raw mail messages into their qualifying image
// attachments. It only parses and returns bytes; saving them and
// allocating identifiers is the pipeline's job, which keeps this package
// independently testable.
package extract

import (
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/ianaindex"
)

// Attachment is one qualifying image attachment pulled from a message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Iterator walks a message's parts lazily, in their original order,
// yielding only attachment-disposition parts whose decoded filename ends
// in .png, .jpg or .jpeg. It is finite and non-restartable.
type Iterator struct {
	mr   *mail.Reader
	item Attachment
	err  error
	done bool
}

// Attachments returns an iterator over the image attachments of the raw
// message read from r. Unknown or missing charset declarations in headers
// are tolerated with a lossy decode instead of failing the message.
func Attachments(r io.Reader) *Iterator {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return &Iterator{err: eris.Wrap(err, "extract: read message"), done: true}
	}
	if mr == nil {
		return &Iterator{err: eris.New("extract: empty message"), done: true}
	}
	return &Iterator{mr: mr}
}

// Next advances to the next qualifying attachment. It returns false when
// the message is exhausted or a structural error occurred; check Err.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	for {
		part, err := it.mr.NextPart()
		if err == io.EOF {
			it.done = true
			return false
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			it.err = eris.Wrap(err, "extract: next part")
			it.done = true
			return false
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		filename := attachmentFilename(header)
		if !IsImageFilename(filename) {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			it.err = eris.Wrapf(err, "extract: read attachment %s", filename)
			it.done = true
			return false
		}

		it.item = Attachment{Filename: filename, Data: data}
		return true
	}
}

// Item returns the attachment produced by the last successful Next.
func (it *Iterator) Item() Attachment {
	return it.item
}

// Err returns the first structural error encountered, if any.
func (it *Iterator) Err() error {
	return it.err
}

// IsImageFilename reports whether the filename carries one of the
// accepted image extensions, case-insensitively.
func IsImageFilename(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png", ".jpg", ".jpeg":
		return true
	default:
		return false
	}
}

// attachmentFilename decodes the part's filename, falling back to a lossy
// decode of the raw header when the declared charset is unknown.
func attachmentFilename(header *mail.AttachmentHeader) string {
	filename, err := header.Filename()
	if err == nil {
		return filename
	}
	if filename != "" {
		// Best-effort value from the library despite the charset error.
		return filename
	}
	return lossyDecodeWord(header.Get("Content-Disposition"))
}

// lossyDecodeWord decodes RFC 2047 encoded words, mapping unknown
// charsets through the IANA index and, as a last resort, passing bytes
// through untouched.
func lossyDecodeWord(raw string) string {
	dec := mime.WordDecoder{
		CharsetReader: func(charsetName string, input io.Reader) (io.Reader, error) {
			enc, err := ianaindex.MIME.Encoding(charsetName)
			if err != nil || enc == nil {
				return input, nil
			}
			return enc.NewDecoder().Reader(input), nil
		},
	}
	decoded, err := dec.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	// Pull the filename parameter back out if the raw header was a full
	// Content-Disposition value.
	if _, params, err := mime.ParseMediaType(decoded); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	return decoded
}
