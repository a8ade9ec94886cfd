// Package s3 builds S3 clients preconfigured for AWS, MinIO and
// Cloudflare R2, and selects one from configuration.
package s3

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kimhsiao/recipesync/internal/config"
	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/sync/remote"
)

// Regional AWS S3 endpoints.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// AWSConfig holds AWS S3 configuration.
type AWSConfig struct {
	BucketName string
	AccessKey  string
	SecretKey  string
	Region     string // default us-east-1
}

// NewAWSClient creates a virtual-host style client for AWS S3.
// Unknown regions fall back to the global endpoint.
func NewAWSClient(cfg *AWSConfig) *remote.S3Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	endpoint, ok := awsEndpoints[region]
	if !ok {
		endpoint = "s3.amazonaws.com"
	}

	return remote.NewS3Client(&remote.S3Config{
		Endpoint:   "https://" + endpoint,
		BucketName: cfg.BucketName,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		Region:     region,
	})
}

// AWSEndpointForRegion returns the endpoint for region.
func AWSEndpointForRegion(region string) (string, error) {
	endpoint, ok := awsEndpoints[region]
	if !ok {
		return "", fmt.Errorf("unknown AWS region: %s", region)
	}
	return endpoint, nil
}

// SupportedAWSRegions returns the known regions, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsEndpoints))
	for region := range awsEndpoints {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// MinIOConfig holds MinIO configuration.
type MinIOConfig struct {
	Endpoint   string // "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool // scheme used when Endpoint has none
}

// NewMinIOClient creates a path-style client for MinIO.
func NewMinIOClient(cfg *MinIOConfig) (*remote.S3Client, error) {
	endpoint, err := ParseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	return remote.NewS3Client(&remote.S3Config{
		Endpoint:       endpoint,
		BucketName:     cfg.BucketName,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Region:         "us-east-1", // MinIO ignores region but signing needs one
		ForcePathStyle: true,
	}), nil
}

// ParseEndpoint adds a scheme when missing and trims a trailing slash.
func ParseEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// R2Config holds Cloudflare R2 configuration.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string
	SecretKey  string
}

// NewR2Client creates a client for the account's R2 endpoint.
func NewR2Client(cfg *R2Config) (*remote.S3Client, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("R2 account id is required")
	}
	return remote.NewS3Client(&remote.S3Config{
		Endpoint:   "https://" + R2EndpointForAccount(cfg.AccountID),
		BucketName: cfg.BucketName,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		Region:     "auto",
	}), nil
}

// R2EndpointForAccount returns <accountid>.r2.cloudflarestorage.com.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID is 32 hex characters.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// NewFromConfig builds the ObjectStore selected by cfg.Provider. An
// unusable provider section fails with SYNC_NOT_CONFIGURED.
func NewFromConfig(cfg config.RemoteConfig) (remote.ObjectStore, error) {
	store, err := newFromConfig(cfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "remote store unavailable", err)
	}
	return store, nil
}

func newFromConfig(cfg config.RemoteConfig) (remote.ObjectStore, error) {
	switch cfg.Provider {
	case config.ProviderMemory:
		return remote.NewMemoryObjectStore(), nil
	case config.ProviderAWS:
		return NewAWSClient(&AWSConfig{
			BucketName: cfg.Bucket,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			Region:     cfg.Region,
		}), nil
	case config.ProviderMinIO:
		return NewMinIOClient(&MinIOConfig{
			Endpoint:   cfg.Endpoint,
			BucketName: cfg.Bucket,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			UseSSL:     cfg.UseSSL,
		})
	case config.ProviderR2:
		return NewR2Client(&R2Config{
			AccountID:  cfg.AccountID,
			BucketName: cfg.Bucket,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
		})
	case config.ProviderS3:
		endpoint, err := ParseEndpoint(cfg.Endpoint, cfg.UseSSL)
		if err != nil {
			return nil, err
		}
		return remote.NewS3Client(&remote.S3Config{
			Endpoint:       endpoint,
			BucketName:     cfg.Bucket,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			Region:         cfg.Region,
			ForcePathStyle: true,
		}), nil
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Provider)
	}
}
