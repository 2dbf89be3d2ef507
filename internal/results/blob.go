package results

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"google.golang.org/api/option"
)

// Object stores do not expire objects per write; expiry of the
// sqllab/results/ prefix is left to a bucket lifecycle rule.

const payloadContentType = "application/octet-stream"

// BlobConfig holds the connection settings shared by the object stores.
type BlobConfig struct {
	// Endpoint is host[:port] without a scheme. Azure also accepts a full
	// service URL such as an Azurite http://host:10000/account.
	Endpoint  string
	Region    string
	KeyID     string
	Secret    string
	Bucket    string // container name for Azure
	UseSSL    bool
	PathStyle bool
	// GCSKeyFile is a service-account JSON file for GCS.
	GCSKeyFile string
	// AzureAccount is the storage account for Azure; Secret is its key.
	AzureAccount string
}

// S3Store keeps payloads in an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates an S3Store.
func NewS3Store(cfg BlobConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 results backend: bucket is required")
	}
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(endpointURL(cfg))
	}
	return &S3Store{client: s3.New(opts), bucket: cfg.Bucket}, nil
}

func endpointURL(cfg BlobConfig) string {
	if cfg.UseSSL {
		return "https://" + cfg.Endpoint
	}
	return "http://" + cfg.Endpoint
}

// Put uploads value.
func (s *S3Store) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(KeyPrefix + key),
		Body:        bytes.NewReader(value),
		ContentType: aws.String(payloadContentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %q: %w", key, err)
	}
	return nil
}

// Get downloads the payload.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(KeyPrefix + key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, notFound(key)
		}
		return nil, fmt.Errorf("s3 get %q: %w", key, err)
	}
	defer out.Body.Close() //nolint:errcheck
	return io.ReadAll(out.Body)
}

// GCSStore keeps payloads in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a GCSStore. Without a key file the client uses
// application default credentials, or no authentication when Endpoint
// points at an emulator.
func NewGCSStore(ctx context.Context, cfg BlobConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs results backend: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.GCSKeyFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.GCSKeyFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpointURL(cfg)+"/storage/v1/"))
		if cfg.GCSKeyFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads value.
func (s *GCSStore) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	w := s.client.Bucket(s.bucket).Object(KeyPrefix + key).NewWriter(ctx)
	w.ContentType = payloadContentType
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %q: %w", key, err)
	}
	return nil
}

// Get downloads the payload.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(KeyPrefix + key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs read %q: %w", key, err)
	}
	defer r.Close() //nolint:errcheck
	return io.ReadAll(r)
}

// AzureStore keeps payloads in an Azure Blob Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates an AzureStore with shared-key authentication.
func NewAzureStore(cfg BlobConfig) (*AzureStore, error) {
	if cfg.AzureAccount == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("azure results backend: account name and key are required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccount, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccount)
	switch {
	case strings.Contains(cfg.Endpoint, "://"):
		serviceURL = strings.TrimSuffix(cfg.Endpoint, "/")
	case cfg.Endpoint != "":
		serviceURL = "https://" + cfg.Endpoint
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureStore{client: client, container: cfg.Bucket}, nil
}

// Put uploads value.
func (s *AzureStore) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := s.client.UploadBuffer(ctx, s.container, KeyPrefix+key, value, nil); err != nil {
		return fmt.Errorf("azure upload %q: %w", key, err)
	}
	return nil
}

// Get downloads the payload.
func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, KeyPrefix+key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("azure download %q: %w", key, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	return io.ReadAll(resp.Body)
}

// MinioStore keeps payloads in a MinIO bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioStore creates a MinioStore.
func NewMinioStore(cfg BlobConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio results backend: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.KeyID, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
}

// Put uploads value.
func (s *MinioStore) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := s.client.PutObject(ctx, s.bucket, KeyPrefix+key, bytes.NewReader(value), int64(len(value)),
		minio.PutObjectOptions{ContentType: payloadContentType})
	if err != nil {
		return fmt.Errorf("minio put %q: %w", key, err)
	}
	return nil
}

// Get downloads the payload.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, KeyPrefix+key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get %q: %w", key, err)
	}
	defer obj.Close() //nolint:errcheck
	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, notFound(key)
		}
		return nil, fmt.Errorf("minio read %q: %w", key, err)
	}
	return b, nil
}
