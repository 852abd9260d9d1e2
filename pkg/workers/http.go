package workers

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sidkik/vaultsync/pkg/operation"
)

// BlobPath is the path of the blob endpoint on the storage server.
const BlobPath = "/blob"

// HTTPTransport transfers content through the storage server's blob endpoint.
type HTTPTransport struct {
	baseURL string
	client  *http.Client

	// Retries is the number of times a download request is retried when the
	// server can't be reached.
	Retries uint64
}

// NewHTTPTransport creates a transport for the server at `baseURL`.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{},
		Retries: 3,
	}
}

func (t *HTTPTransport) url(query url.Values) string {
	return t.baseURL + BlobPath + "?" + query.Encode()
}

// Upload sends the content of an authorized upload. The upload isn't retried
// since `r` can only be read once.
func (t *HTTPTransport) Upload(ctx context.Context, op *operation.Operation, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		t.url(url.Values{"token": {op.UploadToken}}), r)
	if err != nil {
		return err
	}
	req.ContentLength = op.Size

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Download fetches the committed content of `op.Pathname`.
func (t *HTTPTransport) Download(ctx context.Context, op *operation.Operation, w io.Writer) error {
	backoff := retry.NewExponential(100 * time.Millisecond)
	backoff = retry.WithMaxRetries(t.Retries, backoff)

	var resp *http.Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			t.url(url.Values{"pathname": {op.Pathname}}), nil)
		if err != nil {
			return err
		}

		resp, err = t.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode >= 500 {
			err := checkStatus(resp)
			resp.Body.Close()
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}

	body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("unexpected status %s: %s", resp.Status, body)
}
