// Package remote provides the S3-compatible client for the remote blob store.
package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
)

// BlobClientConfig holds blob store connection configuration.
type BlobClientConfig struct {
	Endpoint       string
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	PublicBaseURL  string // base URL for durable locators
	ForcePathStyle bool   // use path-style URLs (minio, localstack)
}

// BlobClient implements BlobStore against an S3-compatible endpoint with a
// resumable-append extension: chunks carry an upload offset header and the
// object becomes visible when the final chunk commits.
type BlobClient struct {
	config     *BlobClientConfig
	httpClient *http.Client
}

// listBucketResult represents the S3 ListObjectsV2 response.
type listBucketResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Name     string   `xml:"Name"`
	Prefix   string   `xml:"Prefix"`
	Contents []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// NewBlobClient creates a new BlobClient.
func NewBlobClient(config *BlobClientConfig) *BlobClient {
	return &BlobClient{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: false,
			},
		},
	}
}

// Committed returns the number of bytes already stored for a partial upload.
func (c *BlobClient) Committed(ctx context.Context, path string) (int64, error) {
	req, err := c.createRequest(ctx, http.MethodHead, path, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.Transient(apperrors.ErrRemoteOffline, "offset request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, c.statusError(resp, "offset")
	}

	offset, err := strconv.ParseInt(resp.Header.Get("X-Upload-Offset"), 10, 64)
	if err != nil {
		// Completed objects report their size instead.
		return resp.ContentLength, nil
	}
	return offset, nil
}

// PutChunk appends one chunk at the given offset.
func (c *BlobClient) PutChunk(ctx context.Context, path string, offset int64, chunk []byte, final bool) error {
	req, err := c.createRequest(ctx, http.MethodPut, path, bytes.NewReader(chunk))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(chunk)))
	req.Header.Set("X-Upload-Offset", strconv.FormatInt(offset, 10))
	if final {
		req.Header.Set("X-Upload-Final", "true")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transient(apperrors.ErrRemoteOffline, "chunk upload failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.statusError(resp, "chunk upload")
	}
	return nil
}

// Remove deletes the object at path.
func (c *BlobClient) Remove(ctx context.Context, path string) error {
	req, err := c.createRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transient(apperrors.ErrRemoteOffline, "delete request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNotFound {
		return c.statusError(resp, "delete")
	}
	return nil
}

// List lists all object paths with a prefix.
func (c *BlobClient) List(ctx context.Context, prefix string) ([]string, error) {
	listPath := "?list-type=2&prefix=" + url.QueryEscape(prefix)
	req, err := c.createRequest(ctx, http.MethodGet, listPath, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(apperrors.ErrRemoteOffline, "list request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "list")
	}

	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to parse list response", err)
	}

	var keys []string
	for _, content := range result.Contents {
		keys = append(keys, content.Key)
	}
	return keys, nil
}

// URL returns the durable public locator for an object path.
func (c *BlobClient) URL(path string) string {
	return fmt.Sprintf("%s/%s", c.config.PublicBaseURL, path)
}

// createRequest creates a request with AWS V4 signature headers.
func (c *BlobClient) createRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	var urlStr string
	if c.config.ForcePathStyle {
		// Path-style: http://endpoint/bucket/key
		urlStr = fmt.Sprintf("%s/%s/%s", c.config.Endpoint, c.config.BucketName, key)
	} else {
		// Virtual-host-style: http://bucket.endpoint/key
		urlStr = fmt.Sprintf("%s.%s/%s", c.config.BucketName, c.config.Endpoint, key)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}

	if !c.config.ForcePathStyle {
		req.Host = fmt.Sprintf("%s.%s", c.config.BucketName, c.config.Endpoint)
	}

	timestamp := time.Now().UTC()
	amzDate := timestamp.Format("20060102T150405Z")

	req.Header.Set("Host", req.Host)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

	authorization := c.calculateAuthorization(method, key, amzDate)
	req.Header.Set("Authorization", authorization)

	return req, nil
}

// calculateAuthorization calculates the AWS V4 signature authorization header.
func (c *BlobClient) calculateAuthorization(method, key, amzDate string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)

	canonicalURI := "/" + c.config.BucketName + "/" + key
	canonicalQuery := ""
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-date:%s\n",
		c.config.BucketName+"."+c.config.Endpoint, amzDate)
	signedHeaders := "host;x-amz-date"

	payloadHash := "UNSIGNED-PAYLOAD"

	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		method, canonicalURI, canonicalQuery, canonicalHeaders, signedHeaders+" "+payloadHash)

	algorithm := "AWS4-HMAC-SHA256"
	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%s",
		algorithm, amzDate, scope, hex.EncodeToString(hashSHA256([]byte(canonicalRequest))))

	kSecret := []byte("AWS4" + c.config.SecretKey)
	kDate := hmacSHA256(kSecret, dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.config.AccessKey, scope, signedHeaders, signature)
}

// statusError maps a blob store response onto the error taxonomy.
func (c *BlobClient) statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, string(body))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests {
		return apperrors.Transient(apperrors.ErrRemoteTimeout, msg, nil)
	}
	return apperrors.New(apperrors.ErrRemoteRejected, msg)
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}
