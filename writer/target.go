package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/source"

	"hvcollector/config"
	"hvcollector/logger"
)

// object is one dataset file of a run.
type object struct {
	Dataset string
	RunDate string
	RunID   string
	Name    string
}

// target stores encoded datasets. encode writes the whole file into the
// ParquetFile it is given.
type target interface {
	name() string
	put(ctx context.Context, obj object, encode func(source.ParquetFile) error) (string, error)
}

// localTarget writes under dir/run_date=YYYY-MM-DD/.
type localTarget struct {
	dir string
}

func (t *localTarget) name() string { return "local" }

func (t *localTarget) put(_ context.Context, obj object, encode func(source.ParquetFile) error) (string, error) {
	dir := filepath.Join(t.dir, "run_date="+obj.RunDate)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	p := filepath.Join(dir, obj.Name)
	fw, err := local.NewLocalFileWriter(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	if err := encode(fw); err != nil {
		_ = fw.Close()
		_ = os.Remove(p)
		return "", err
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", p, err)
	}
	return p, nil
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Target uploads under prefix/dataset=.../run_date=.../.
type s3Target struct {
	client      putObjectAPI
	bucket      string
	prefix      string
	compression string
	version     string
}

func newS3Target(ctx context.Context, cfg *config.Config) (*s3Target, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	logger.GetLogger().WithComponent("writer").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("s3 target initialized")

	return &s3Target{
		client:      client,
		bucket:      s3cfg.Bucket,
		prefix:      cfg.Writer.Prefix,
		compression: cfg.Writer.Compression,
		version:     cfg.App.Version,
	}, nil
}

func (t *s3Target) name() string { return "s3" }

func (t *s3Target) key(obj object) string {
	return path.Join(t.prefix, "dataset="+obj.Dataset, "run_date="+obj.RunDate, obj.Name)
}

func (t *s3Target) put(ctx context.Context, obj object, encode func(source.ParquetFile) error) (string, error) {
	mf := newMemoryFile()
	if err := encode(mf); err != nil {
		return "", err
	}
	key := t.key(obj)
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(mf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":        "parquet",
			"compression":         t.compression,
			"run_id":              obj.RunID,
			"hvcollector-version": t.version,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3 bucket %s: %w", t.bucket, err)
	}
	return fmt.Sprintf("s3://%s/%s", t.bucket, key), nil
}
