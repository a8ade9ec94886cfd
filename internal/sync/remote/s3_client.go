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
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/recipesync/internal/sync/auth"
)

// S3Config holds S3 connection configuration.
type S3Config struct {
	// Endpoint is a URL or host; a missing scheme means https
	Endpoint       string
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // path-style URLs (minio, localstack)
}

// S3Client implements ObjectStore for S3-compatible storage. Requests are
// signed with AWS Signature V4; a token attached with auth.WithToken is
// sent as X-Amz-Security-Token.
type S3Client struct {
	config     *S3Config
	httpClient *http.Client
	now        func() time.Time
}

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// listBucketResult represents the S3 ListObjectsV2 response.
type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	Name                  string   `xml:"Name"`
	Prefix                string   `xml:"Prefix"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// NewS3Client creates a new S3Client.
func NewS3Client(config *S3Config) *S3Client {
	return &S3Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}
}

// Config returns the client configuration.
func (c *S3Client) Config() S3Config {
	return *c.config
}

// Upload uploads data to key.
func (c *S3Client) Upload(ctx context.Context, key string, data []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut, c.objectURL(key), data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeFor(key))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("upload", resp)
	}
	return nil
}

// Download downloads the object at key. A 404 is ErrObjectNotFound.
func (c *S3Client) Download(ctx context.Context, key string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("download", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

// Delete deletes key. A missing key is not an error.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.objectURL(key), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return statusError("delete", resp)
}

// List lists all keys under prefix, following continuation tokens.
func (c *S3Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	token := ""

	for {
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("prefix", prefix)
		if token != "" {
			q.Set("continuation-token", token)
		}
		u := c.bucketURL()
		u.RawQuery = q.Encode()

		req, err := c.newRequest(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("list request failed: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			err := statusError("list", resp)
			resp.Body.Close()
			return nil, err
		}

		var result listBucketResult
		err = xml.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}

		for _, content := range result.Contents {
			keys = append(keys, content.Key)
		}

		if !result.IsTruncated || result.NextContinuationToken == "" {
			return keys, nil
		}
		token = result.NextContinuationToken
	}
}

// TestConnection lists at most one key to verify credentials and
// reachability.
func (c *S3Client) TestConnection(ctx context.Context) error {
	q := url.Values{}
	q.Set("list-type", "2")
	q.Set("max-keys", "1")
	u := c.bucketURL()
	u.RawQuery = q.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("list", resp)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}

func contentTypeFor(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

// endpointURL parses the configured endpoint, defaulting to https.
func (c *S3Client) endpointURL() *url.URL {
	endpoint := strings.TrimSuffix(c.config.Endpoint, "/")
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return &url.URL{Scheme: "https", Host: c.config.Endpoint}
	}
	return u
}

// bucketURL returns the bucket root URL.
func (c *S3Client) bucketURL() *url.URL {
	u := c.endpointURL()
	if c.config.ForcePathStyle {
		// http://endpoint/bucket/
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + c.config.BucketName + "/"
	} else {
		// http://bucket.endpoint/
		u.Host = c.config.BucketName + "." + u.Host
		u.Path = "/"
	}
	return u
}

// objectURL returns the URL of key.
func (c *S3Client) objectURL(key string) *url.URL {
	u := c.bucketURL()
	u.Path += strings.TrimPrefix(key, "/")
	return u
}

// newRequest builds a signed request.
func (c *S3Client) newRequest(ctx context.Context, method string, u *url.URL, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	if token, ok := auth.TokenFromContext(ctx); ok {
		req.Header.Set("X-Amz-Security-Token", token)
	}

	c.sign(req, body)
	return req, nil
}

// sign adds AWS Signature V4 headers to req.
func (c *S3Client) sign(req *http.Request, body []byte) {
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := amzDate[:8]
	payloadHash := hex.EncodeToString(hashSHA256(body))

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	headers := map[string]string{
		"host":                 req.URL.Host,
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	if tok := req.Header.Get("X-Amz-Security-Token"); tok != "" {
		headers["x-amz-security-token"] = tok
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name + ":" + strings.TrimSpace(headers[name]) + "\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQuery(req.URL.Query()),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	region := c.config.Region
	if region == "" {
		region = "us-east-1"
	}
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, region)

	const algorithm = "AWS4-HMAC-SHA256"
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+c.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.config.AccessKey, scope, signedHeaders, signature))
}

// canonicalQuery encodes query parameters sorted by key with %20 for spaces.
func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsEscape(k)+"="+awsEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func awsEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
