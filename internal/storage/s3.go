package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config descreve o bucket S3 (ou compatível, como MinIO e R2).
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

func (c S3Config) validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("storage: bucket obrigatório")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("storage: access key e secret key devem ser informadas juntas")
	}
	return nil
}

// S3Uploader envia objetos com o SDK da AWS.
type S3Uploader struct {
	bucket string
	client *s3.Client
}

// NewS3Uploader cria o cliente. Sem chaves estáticas a cadeia padrão de
// credenciais da AWS é usada.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: carregar configuração aws: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
			o.UsePathStyle = cfg.PathStyle
		})
	}

	return &S3Uploader{bucket: cfg.Bucket, client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// Upload grava o objeto no bucket configurado.
func (u *S3Uploader) Upload(ctx context.Context, input UploadInput) (*UploadResult, error) {
	key := strings.TrimLeft(strings.TrimSpace(input.Key), "/")
	if key == "" {
		return nil, errors.New("storage: chave do objeto obrigatória")
	}
	if len(input.Body) == 0 {
		return nil, errors.New("storage: corpo vazio")
	}
	contentType := input.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	put := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(input.Body),
		ContentLength: aws.Int64(int64(len(input.Body))),
		ContentType:   aws.String(contentType),
		Metadata:      input.Metadata,
	}
	if input.ContentEncoding != "" {
		put.ContentEncoding = aws.String(input.ContentEncoding)
	}

	out, err := u.client.PutObject(ctx, put)
	if err != nil {
		return nil, fmt.Errorf("storage: put object %s: %w", key, err)
	}
	return &UploadResult{Key: key, ETag: strings.Trim(aws.ToString(out.ETag), `"`)}, nil
}
