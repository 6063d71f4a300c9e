// Package attachment turns pending files into base64 attachments suitable for
// a JSON send request.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailcompose/internal/email"
)

// ErrRead is wrapped by every error caused by a failed file read.
var ErrRead = errors.New("attachment read failed")

// File is a pending attachment as reported by the compose surface.
type File interface {
	// Name is the filename shown to the user and sent unmodified.
	Name() string
	// Type is the reported MIME type, empty when unknown.
	Type() string
	// Open returns the file content.
	Open() (io.ReadCloser, error)
}

// LocalFile is a File backed by a path on disk.
type LocalFile struct {
	Path string
}

// NewLocalFile returns a File for the given path.
func NewLocalFile(path string) LocalFile {
	return LocalFile{Path: path}
}

// Name returns the base name of the path.
func (f LocalFile) Name() string {
	return filepath.Base(f.Path)
}

// Type derives the MIME type from the file extension.
func (f LocalFile) Type() string {
	return mime.TypeByExtension(filepath.Ext(f.Path))
}

// Open opens the file for reading.
func (f LocalFile) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// Encode reads the whole file and returns it as an email.Attachment. The
// content is the payload a data URL for the file would carry after its
// first comma.
func Encode(f File) (email.Attachment, error) {
	rc, err := f.Open()
	if err != nil {
		return email.Attachment{}, fmt.Errorf("%w: %s: %v", ErrRead, f.Name(), err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("%w: %s: %v", ErrRead, f.Name(), err)
	}

	contentType := f.Type()
	if contentType == "" {
		contentType = email.DefaultContentType
	}

	return email.Attachment{
		Filename:    f.Name(),
		Content:     base64.StdEncoding.EncodeToString(data),
		ContentType: contentType,
	}, nil
}

// EncodeAll encodes every file concurrently. The result keeps the input
// order. If any read fails the whole batch fails and no attachments are
// returned.
func EncodeAll(ctx context.Context, files []File) ([]email.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}

	out := make([]email.Attachment, len(files))
	g, ctx := errgroup.WithContext(ctx)

	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			att, err := Encode(f)
			if err != nil {
				return err
			}
			out[i] = att
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
