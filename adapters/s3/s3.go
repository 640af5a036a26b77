package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver 把結算報告等檔案歸檔到 S3 相容的物件儲存
type Archiver struct {
	Client *s3.Client
	// Bucket 是存儲桶的名稱
	Bucket string
	// PublicEndpoint 是存儲桶的公開 Endpoint
	PublicEndpoint *url.URL
}

func NewArchiver(client *s3.Client, bucket, publicBaseURL string) (*Archiver, error) {
	const op = "NewArchiver"
	publicEndpoint, err := url.Parse(publicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse public base URL, err=%w", op, err)
	}
	return &Archiver{Client: client, Bucket: bucket, PublicEndpoint: publicEndpoint}, nil
}

// NewClient 以靜態憑證建立 S3 客戶端，endpoint 為空時使用 AWS 預設
func NewClient(ctx context.Context, region, endpoint, accessKey, secretKey string) (*s3.Client, error) {
	const op = "NewClient"
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load aws config, err=%w", op, err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Upload 上傳檔案並回傳公開存取的 URL
func (a *Archiver) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	const op = "Archiver.Upload"
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to upload file to S3, err=%w", op, err)
	}
	uri := *a.PublicEndpoint
	uri.Path = key
	return uri.String(), nil
}
