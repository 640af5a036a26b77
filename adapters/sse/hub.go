package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrHubClosed = errors.New("hub is closed")

type hubOptions struct {
	logger     *slog.Logger
	bufferSize int
}

type HubOption func(*hubOptions)

// WithHubLogger 設置日誌記錄器
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(o *hubOptions) {
		o.logger = logger
	}
}

// WithHubBufferSize 設置每個訂閱者通道的緩衝大小
func WithHubBufferSize(size int) HubOption {
	return func(o *hubOptions) {
		o.bufferSize = size
	}
}

// Hub 把單一上游訊息來源分發到多個主題
// 上游通常是跨節點的 stream 消費者，topicFunc 從訊息本身取出主題名稱，
// 同一個主題的所有 SSE 連線共享一個 Channel
type Hub[T any] struct {
	source    <-chan T
	topicFunc func(T) string
	channels  map[string]*Channel[T]
	active    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
	options   hubOptions
}

func NewHub[T any](source <-chan T, topicFunc func(T) string, opts ...HubOption) (*Hub[T], error) {
	if source == nil {
		return nil, errors.New("source channel cannot be nil")
	}
	if topicFunc == nil {
		return nil, errors.New("topic function cannot be nil")
	}

	// 默認選項
	options := hubOptions{
		logger:     slog.Default(),
		bufferSize: 16,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Hub[T]{
		source:    source,
		topicFunc: topicFunc,
		channels:  make(map[string]*Channel[T]),
		logger:    options.logger.With(slog.String("caller", "Hub")),
		options:   options,
	}, nil
}

// Start 開始從上游讀取並分發訊息，上游關閉時自動結束
func (h *Hub[T]) Start() {
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return
	}
	h.active = true
	h.mu.Unlock()
	h.logger.Info("starting sse hub")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.logger.Info("hub dispatch goroutine stopped")

		for message := range h.source {
			topic := h.topicFunc(message)
			h.mu.RLock()
			channel, ok := h.channels[topic]
			h.mu.RUnlock()
			if ok {
				channel.Broadcast(message)
			}
		}
	}()
}

// Close 停止分發並關閉所有訂閱者的通道
// 呼叫端要先關閉上游來源，Close 會等分發goroutine結束
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.active = false
	h.mu.Unlock()

	h.logger.Info("closing sse hub")
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range h.channels {
		channel.UnsubscribeAll()
	}
	clear(h.channels)
	h.logger.Info("sse hub closed")
}

// Subscribe 訂閱指定主題，回傳接收訊息的唯讀通道
func (h *Hub[T]) Subscribe(topic string) (<-chan T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return nil, ErrHubClosed
	}

	channel, ok := h.channels[topic]
	if !ok {
		channel = NewChannel[T](h.options.bufferSize)
		h.channels[topic] = channel
	}
	return channel.Subscribe(), nil
}

// Unsubscribe 取消訂閱，主題沒有任何訂閱者時一併回收
func (h *Hub[T]) Unsubscribe(topic string, ch <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	channel, ok := h.channels[topic]
	if !ok {
		return
	}
	channel.Unsubscribe(ch)
	if channel.IsIdle() {
		delete(h.channels, topic)
	}
}

// ServeSubscription 是 SSE handler 的共用骨架：訂閱主題後持續把訊息
// 交給 write callback，直到 context 結束或上游關閉
func (h *Hub[T]) ServeSubscription(ctx context.Context, topic string, write func(T) error) error {
	ch, err := h.Subscribe(topic)
	if err != nil {
		return err
	}
	defer h.Unsubscribe(topic, ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-ch:
			if !ok {
				return ErrHubClosed
			}
			if err := write(message); err != nil {
				return err
			}
		}
	}
}
