package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery 封裝一筆待確認的消息
// 處理完成呼叫 Ack，處理失敗且不值得重試時呼叫 DeadLetter；
// 兩者都沒呼叫的消息會留在 pending，重啟後由 claim 機制接手
type Delivery[T any] struct {
	Data T

	client    *redis.Client
	done      bool
	messageID string
	stream    string
	group     string
	raw       map[string]any
}

// Ack 確認消息已處理完成
func (d *Delivery[T]) Ack(ctx context.Context) error {
	const op = "Delivery.Ack"
	if d.done {
		return nil
	}
	if err := d.client.XAck(ctx, d.stream, d.group, d.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	d.done = true
	return nil
}

// DeadLetter 把消息搬進死信 stream 並確認原消息
// 用於解碼失敗或業務端判定永遠不會成功的消息，避免卡住整個 group
func (d *Delivery[T]) DeadLetter(ctx context.Context, cause error) error {
	const op = "Delivery.DeadLetter"
	if d.done {
		return nil
	}

	values := make(map[string]any, len(d.raw)+1)
	for k, v := range d.raw {
		values[k] = v
	}
	if cause != nil {
		values["error"] = cause.Error()
	}
	if err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream + ":dead-letter",
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}
	if err := d.client.XAck(ctx, d.stream, d.group, d.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack dead-lettered message: %w", op, err)
	}
	d.done = true
	return nil
}

type groupConsumerOptions[T any] struct {
	logger       *slog.Logger
	decodeFunc   func(map[string]any) (T, error)
	bufferSize   int
	blockTimeout time.Duration
	claimMinIdle time.Duration
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerDecodeFunc 設置消息解碼函數
func WithGroupConsumerDecodeFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.decodeFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerClaimMinIdle 設置接手他人 pending 消息的最小閒置時間
func WithGroupConsumerClaimMinIdle[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.claimMinIdle = d
	}
}

// GroupConsumer 以 consumer group 讀取 stream 並保證至少一次處理
// 啟動時建立 group（stream 不存在時一併建立），每輪先用 XAUTOCLAIM
// 接手閒置過久的 pending 消息，再讀新消息，消費端透過 Delivery 確認
type GroupConsumer[T any] struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	claimStart string
	downStream chan *Delivery[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    groupConsumerOptions[T]
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (*GroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupConsumerOptions[T]{
		logger:       slog.Default(),
		decodeFunc:   DecodeValues[T],
		bufferSize:   1,
		blockTimeout: time.Second,
		claimMinIdle: time.Minute,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &GroupConsumer[T]{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		claimStart: "0-0",
		closed:     true,
		logger: options.logger.With(
			slog.String("caller", "GroupConsumer"),
			slog.String("stream", stream),
			slog.String("group", group),
			slog.String("consumer", consumer)),
		options: options,
	}, nil
}

func (g *GroupConsumer[T]) Start() error {
	const op = "GroupConsumer.Start"
	if !g.closed {
		return nil
	}

	// 建立 consumer group，已存在時忽略 BUSYGROUP
	err := g.client.XGroupCreateMkStream(context.Background(), g.stream, g.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("[%s] failed to create consumer group, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.downStream = make(chan *Delivery[T], g.options.bufferSize)
	g.cancelFunc = cancel
	g.closed = false
	g.logger.Info("starting group consumer")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.logger.Info("group consumer goroutine stopped")
		defer close(g.downStream)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				message, err := g.fetchNextMessage(ctx)
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) {
						return
					}
					g.logger.Error("fetch message error", slog.Any("error", err))
					continue
				}

				delivery := &Delivery[T]{
					client:    g.client,
					messageID: message.ID,
					stream:    g.stream,
					group:     g.group,
					raw:       message.Values,
				}

				data, err := g.options.decodeFunc(message.Values)
				if err != nil {
					// 解碼失敗不會因為重試就成功，直接進死信
					g.logger.Error("failed to decode message, moving to dead letter",
						slog.String("messageId", message.ID),
						slog.Any("error", err))
					if dlErr := delivery.DeadLetter(ctx, err); dlErr != nil {
						g.logger.Error("failed to dead-letter message",
							slog.String("messageId", message.ID),
							slog.Any("error", dlErr))
					}
					continue
				}
				delivery.Data = data

				select {
				case <-ctx.Done():
					return
				case g.downStream <- delivery:
				}
			}
		}
	}()

	return nil
}

// fetchNextMessage 優先接手閒置過久的 pending 消息，沒有才讀新消息
func (g *GroupConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	claimed, next, err := g.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   g.stream,
		Group:    g.group,
		Consumer: g.consumer,
		MinIdle:  g.options.claimMinIdle,
		Start:    g.claimStart,
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return redis.XMessage{}, err
	}
	if len(claimed) > 0 {
		g.claimStart = next
		g.logger.Info("claimed pending message", slog.String("messageId", claimed[0].ID))
		return claimed[0], nil
	}
	g.claimStart = "0-0"

	streams, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{g.stream, ">"},
		Count:    1,
		Block:    g.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		return streams[0].Messages[0], nil
	}
	return redis.XMessage{}, redis.Nil
}

// Subscribe 訂閱Stream，返回Delivery通道
func (g *GroupConsumer[T]) Subscribe() <-chan *Delivery[T] {
	return g.downStream
}

func (g *GroupConsumer[T]) Close() error {
	if g.closed {
		return nil
	}
	g.logger.Info("closing group consumer")
	g.closed = true
	g.cancelFunc()
	g.wg.Wait()
	g.logger.Info("group consumer closed gracefully")
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
