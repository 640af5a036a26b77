package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	internalS3 "gavel/adapters/s3"
	"gavel/adapters/sse"
	"gavel/adapters/stream"
	"gavel/engine"
)

// PaymentResult 是外部金流系統回報的付款結果
type PaymentResult struct {
	OrderID string `json:"orderId" msgpack:"order_id"`
	Status  string `json:"status" msgpack:"status"`
}

// Succeeded 回傳這筆付款是否成功
func (r PaymentResult) Succeeded() bool {
	return r.Status == "success"
}

// paymentPublisher 抽象付款結果的發布端，方便測試替換
type paymentPublisher interface {
	Publish(result PaymentResult) error
}

type ServerImpl struct {
	db              *gorm.DB
	redisClient     *redis.Client
	auctionEngine   *engine.Engine
	scheduler       *engine.Scheduler
	notifier        *stream.Producer[engine.Event]
	eventConsumer   *stream.Consumer[engine.Event]
	hub             *sse.Hub[engine.Event]
	payments        paymentPublisher
	paymentProducer *stream.Producer[PaymentResult]
	paymentConsumer *stream.GroupConsumer[PaymentResult]
	wg              sync.WaitGroup
	cancelFunc      context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s",
		config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化事件發布端，引擎提交成功後的事件都從這裡進入stream
	notifier, err := stream.NewProducer[engine.Event](redisClient, config.Redis.StreamKeys.Events)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event producer, err=%w", op, err)
	}

	// 初始化SSE用的事件消費端，訂閱同一個stream讓多個節點都能推播
	eventConsumer, err := stream.NewConsumer[engine.Event](redisClient, config.Redis.StreamKeys.Events)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event consumer, err=%w", op, err)
	}

	// 初始化付款結果的發布端和group consumer
	paymentProducer, err := stream.NewProducer[PaymentResult](redisClient, config.Redis.StreamKeys.Payments)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create payment producer, err=%w", op, err)
	}
	paymentConsumer, err := stream.NewGroupConsumer[PaymentResult](
		redisClient,
		config.Redis.StreamKeys.Payments,
		config.Redis.ConsumerGroup,
		config.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create payment group consumer, err=%w", op, err)
	}

	// 初始化出價引擎
	auctionEngine, err := engine.NewEngine(db,
		engine.WithNotifier(notifier),
		engine.WithMaxRetries(config.Engine.MaxRetries),
		engine.WithFeeBps(config.Engine.FeeBps),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction engine, err=%w", op, err)
	}

	// 初始化結算排程：跨節點用分散式鎖單飛，有設定S3的話歸檔結算報告
	schedulerOpts := []engine.SchedulerOption{
		engine.WithSchedulerInterval(config.Engine.SweepInterval),
		engine.WithSchedulerBatchSize(config.Engine.SweepBatchSize),
		engine.WithSchedulerMutex(stream.NewAutoRenewMutex(
			redisClient,
			fmt.Sprintf("lock:%s:sweep", config.Redis.ConsumerGroup),
			stream.WithMutexSkipLockError(true),
		)),
	}
	if config.S3.Enabled() {
		s3Client, err := internalS3.NewClient(context.Background(),
			config.S3.Region, config.S3.Endpoint, config.S3.AccessKeyID, config.S3.SecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create S3 client, err=%w", op, err)
		}
		archiver, err := internalS3.NewArchiver(s3Client, config.S3.Bucket, config.S3.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create S3 archiver, err=%w", op, err)
		}
		schedulerOpts = append(schedulerOpts, engine.WithSchedulerUploader(archiver))
	}
	scheduler, err := engine.NewScheduler(auctionEngine, schedulerOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create scheduler, err=%w", op, err)
	}

	return &ServerImpl{
		db:              db,
		redisClient:     redisClient,
		auctionEngine:   auctionEngine,
		scheduler:       scheduler,
		notifier:        notifier,
		eventConsumer:   eventConsumer,
		payments:        paymentProducer,
		paymentProducer: paymentProducer,
		paymentConsumer: paymentConsumer,
		config:          config,
	}, nil
}

func (impl *ServerImpl) Start() error {
	const op = "ServerImpl.Start"

	// 啟動事件發布端和消費端
	impl.notifier.Start()
	impl.eventConsumer.Start()

	// 啟動SSE hub，上游是事件stream的消費端
	hub, err := sse.NewHub(impl.eventConsumer.Subscribe(), func(event engine.Event) string {
		return event.ListingID.String()
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to create sse hub, err=%w", op, err)
	}
	impl.hub = hub
	impl.hub.Start()

	// 啟動付款結果的發布端和group consumer
	impl.paymentProducer.Start()
	if err := impl.paymentConsumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start payment group consumer, err=%w", op, err)
	}

	// 啟動結算排程
	impl.scheduler.Start()

	// 啟動一個worker消化付款結果並推進訂單狀態
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	slog.Info("Start payment confirmation worker")
	impl.wg.Add(1)
	go func() {
		logger := slog.Default().With(slog.String("caller", "PaymentConfirm"))
		defer impl.wg.Done()
		defer slog.Info("Payment confirmation worker stopped")
		ch := impl.paymentConsumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-ch:
				if !ok {
					return
				}
				impl.handlePaymentDelivery(ctx, logger, delivery)
			}
		}
	}()
	return nil
}

// handlePaymentDelivery 處理單筆付款結果
// 永遠不會成功的消息（無法解析、訂單不存在）進死信；
// 暫時性的失敗不做確認，留給claim機制重試
func (impl *ServerImpl) handlePaymentDelivery(ctx context.Context, logger *slog.Logger, delivery *stream.Delivery[PaymentResult]) {
	orderID, err := uuid.Parse(delivery.Data.OrderID)
	if err != nil {
		logger.Error("Invalid order ID in payment result",
			slog.String("orderID", delivery.Data.OrderID),
			slog.Any("error", err))
		if dlErr := delivery.DeadLetter(ctx, err); dlErr != nil {
			logger.Error("Fail to dead-letter payment result", slog.Any("error", dlErr))
		}
		return
	}

	if err := impl.auctionEngine.ConfirmPayment(ctx, orderID, delivery.Data.Succeeded()); err != nil {
		logger.Error("Fail to confirm payment",
			slog.String("orderID", orderID.String()),
			slog.Any("error", err))
		if errors.Is(err, engine.ErrOrderNotFound) {
			if dlErr := delivery.DeadLetter(ctx, err); dlErr != nil {
				logger.Error("Fail to dead-letter payment result", slog.Any("error", dlErr))
			}
		}
		return
	}
	if err := delivery.Ack(ctx); err != nil {
		logger.Error("Confirm success but fail to ack message", slog.Any("error", err))
	}
}

func (impl *ServerImpl) Close() {
	// 關閉結算排程
	impl.scheduler.Close()
	// 關閉group consumer和worker
	impl.paymentConsumer.Close()
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉發布端
	impl.paymentProducer.Close()
	impl.notifier.Close()
	// 關閉事件消費端，上游結束後hub跟著收尾
	impl.eventConsumer.Close()
	if impl.hub != nil {
		impl.hub.Close()
	}
}
