package server

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/operation"
)

func etagOf(contents []byte) string {
	sum := sha512.Sum512(contents)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// acceptUpload stores the content of the upload identified by `token`.
func (s *Server) acceptUpload(token string, r io.Reader) error {
	contents, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.WithContext(err, "read upload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.uploads[token]
	if !ok {
		return fmt.Errorf("unknown upload token")
	}
	if etag := etagOf(contents); etag != op.entry.Etag {
		return fmt.Errorf("content of %s doesn't match its declared etag", op.request.Pathname)
	}

	s.blobs[op.entry.Etag] = contents
	op.uploaded = true
	delete(s.uploads, token)
	return nil
}

// Upload implements the client's transport interface in-process.
func (s *Server) Upload(_ context.Context, op *operation.Operation, r io.Reader) error {
	return s.acceptUpload(op.UploadToken, r)
}

// Download implements the client's transport interface in-process.
func (s *Server) Download(_ context.Context, op *operation.Operation, w io.Writer) error {
	contents, ok := s.Contents(op.Pathname)
	if !ok {
		return errors.FileNotFound{Path: op.Pathname}
	}
	_, err := io.Copy(w, bytes.NewReader(contents))
	return err
}

// BlobHandler serves uploads and downloads over HTTP.
func (s *Server) BlobHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			if err := s.acceptUpload(r.URL.Query().Get("token"), r.Body); err != nil {
				log.WithError(err).Info("Refused upload")
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			contents, ok := s.Contents(r.URL.Query().Get("pathname"))
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(contents)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
