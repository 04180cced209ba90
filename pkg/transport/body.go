package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// fileBody streams a file in chunkSize reads. The file is opened on the first
// Read and closed at EOF or on Close, whichever comes first.
type fileBody struct {
	path   string
	f      *os.File
	closed bool
}

func newFileBody(path string) (*fileBody, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}
	return &fileBody{path: path}, info.Size(), nil
}

func (b *fileBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, io.EOF
	}
	if b.f == nil {
		f, err := os.Open(b.path)
		if err != nil {
			return 0, err
		}
		b.f = f
	}
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := b.f.Read(p)
	if errors.Is(err, io.EOF) {
		_ = b.Close()
	}
	return n, err
}

func (b *fileBody) Close() error {
	b.closed = true
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartBody is a multipart/form-data body assembled from part headers
// and lazily opened file readers, so its length is known up front and no file
// is held open longer than its own part.
type multipartBody struct {
	io.Reader
	files       []*fileBody
	boundary    string
	length      int64
	closeCalled bool
}

func newMultipartBody(paths []string, field, contentType string) (*multipartBody, error) {
	if len(paths) == 0 {
		return nil, errors.New("multipart body needs at least one file")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	body := &multipartBody{
		boundary: "skimport" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	readers := make([]io.Reader, 0, 2*len(paths)+1)
	for i, path := range paths {
		fb, size, err := newFileBody(path)
		if err != nil {
			return nil, err
		}

		var head strings.Builder
		if i > 0 {
			head.WriteString("\r\n")
		}
		fmt.Fprintf(&head, "--%s\r\n", body.boundary)
		fmt.Fprintf(&head, "Content-Disposition: form-data; name=\"%s\"; filename=\"%s\"\r\n",
			quoteEscaper.Replace(field), quoteEscaper.Replace(filepath.Base(path)))
		fmt.Fprintf(&head, "Content-Type: %s\r\n\r\n", contentType)

		readers = append(readers, strings.NewReader(head.String()), fb)
		body.files = append(body.files, fb)
		body.length += int64(head.Len()) + size
	}
	tail := fmt.Sprintf("\r\n--%s--\r\n", body.boundary)
	readers = append(readers, strings.NewReader(tail))
	body.length += int64(len(tail))
	body.Reader = io.MultiReader(readers...)
	return body, nil
}

// ContentType returns the request Content-Type including the boundary.
func (b *multipartBody) ContentType() string {
	return "multipart/form-data; boundary=" + b.boundary
}

// Len returns the exact body length in bytes.
func (b *multipartBody) Len() int64 {
	return b.length
}

func (b *multipartBody) Close() error {
	if b.closeCalled {
		return nil
	}
	b.closeCalled = true
	var errs []error
	for _, f := range b.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
