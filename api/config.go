package api

import (
	"crypto"
	"time"
)

type ServerConfig struct {
	// ID 是這個節點的識別，用於 consumer group 的 consumer 名稱
	ID string

	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Engine EngineConfig
	S3     S3Config
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	ConsumerGroup string
	StreamKeys    RedisStreamKeys
}

type RedisStreamKeys struct {
	// Events 承載拍賣生命週期事件，供 SSE 推播
	Events string
	// Payments 承載外部金流的付款結果
	Payments string
}

type AuthConfig struct {
	// PrivateKey 用於驗證 access token 的簽章
	PrivateKey crypto.Signer
}

type EngineConfig struct {
	SweepInterval  time.Duration
	SweepBatchSize int
	MaxRetries     int
	FeeBps         int64
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
	Bucket          string
	PublicBaseURL   string
}

// Enabled 回傳是否設定了結算報告的歸檔目的地
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}
