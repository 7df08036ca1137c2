package datasets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/insightpilot/insightpilot/pkg/models"
)

// S3CatalogConfig configures an S3-backed dataset catalog.
type S3CatalogConfig struct {
	Bucket string
	Region string
	// Prefix is prepended to every object key. Schemas live under
	// <prefix>/schemas/<dataset-id>.json; content paths are resolved
	// relative to <prefix>.
	Prefix string
}

// S3Catalog serves dataset schemas and content from an S3 bucket.
// Schema objects are small JSON documents; content objects can be
// arbitrarily large and are only fetched on demand.
type S3Catalog struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Catalog creates an S3-backed catalog using the default AWS
// credential chain.
func NewS3Catalog(ctx context.Context, cfg S3CatalogConfig) (*S3Catalog, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Catalog{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (c *S3Catalog) GetSchema(ctx context.Context, datasetID string) (*models.DatasetSchema, error) {
	key := c.objectKey(path.Join("schemas", datasetID+".json"))
	body, err := c.getObject(ctx, key)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrDatasetNotFound
		}
		return nil, fmt.Errorf("s3 get schema %s: %w", datasetID, err)
	}
	defer body.Close()

	var schema models.DatasetSchema
	if err := json.NewDecoder(body).Decode(&schema); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", datasetID, err)
	}
	if schema.ID == "" {
		schema.ID = datasetID
	}
	return &schema, nil
}

func (c *S3Catalog) GetContent(ctx context.Context, contentPath string) (string, error) {
	body, err := c.getObject(ctx, c.objectKey(contentPath))
	if err != nil {
		if isNoSuchKey(err) {
			return "", ErrContentUnavailable
		}
		return "", fmt.Errorf("s3 get content %s: %w", contentPath, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read content %s: %w", contentPath, err)
	}
	return string(data), nil
}

func (c *S3Catalog) getObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (c *S3Catalog) objectKey(p string) string {
	p = strings.TrimPrefix(p, "/")
	if c.prefix == "" {
		return p
	}
	return path.Join(c.prefix, p)
}

func isNoSuchKey(err error) bool {
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}
