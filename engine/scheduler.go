package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gavel/models"
)

// Locker 是排程單飛鎖的抽象，由 adapters/redis 的 AutoRenewMutex 實作
// 沒有設定鎖也沒關係：結算本身是冪等的，重疊執行只是浪費工
type Locker interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
}

// ReportUploader 把結算報告歸檔到物件儲存，由 adapters/s3 實作
type ReportUploader interface {
	Upload(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

type schedulerOptions struct {
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	mutex     Locker
	uploader  ReportUploader
	now       func() time.Time
}

type SchedulerOption func(*schedulerOptions)

// WithSchedulerLogger 設置日誌記錄器
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		o.logger = logger
	}
}

// WithSchedulerInterval 設置掃描間隔
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		o.interval = d
	}
}

// WithSchedulerBatchSize 設置單次掃描最多處理的商品數
func WithSchedulerBatchSize(n int) SchedulerOption {
	return func(o *schedulerOptions) {
		o.batchSize = n
	}
}

// WithSchedulerMutex 設置跨節點的單飛鎖
func WithSchedulerMutex(mutex Locker) SchedulerOption {
	return func(o *schedulerOptions) {
		o.mutex = mutex
	}
}

// WithSchedulerUploader 設置結算報告的歸檔目的地
func WithSchedulerUploader(uploader ReportUploader) SchedulerOption {
	return func(o *schedulerOptions) {
		o.uploader = uploader
	}
}

// WithSchedulerClock 注入時間來源（主要用於測試）
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(o *schedulerOptions) {
		o.now = now
	}
}

// Scheduler 是把到期商品推進終態的背景排程
// 每個 tick 掃描一次到期但還沒結算的商品並逐一結算，
// 單一商品失敗只記錄日誌，留給下一輪重試，不會中斷整批
type Scheduler struct {
	engine     *Engine
	logger     *slog.Logger
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
	closed     bool
	options    schedulerOptions
}

func NewScheduler(engine *Engine, opts ...SchedulerOption) (*Scheduler, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}

	// 默認選項
	options := schedulerOptions{
		logger:    slog.Default(),
		interval:  time.Minute,
		batchSize: 100,
		now:       time.Now,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Scheduler{
		engine:  engine,
		logger:  options.logger.With(slog.String("caller", "Scheduler")),
		closed:  true,
		options: options,
	}, nil
}

// Start 啟動背景掃描
func (s *Scheduler) Start() {
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting auction sweep scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("scheduler goroutine stopped")

		ticker := time.NewTicker(s.options.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

// Close 停止排程並等待進行中的掃描結束
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.logger.Info("closing scheduler")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("scheduler closed")
}

// runOnce 執行一輪掃描，設定了單飛鎖的話先取鎖
func (s *Scheduler) runOnce(ctx context.Context) {
	workCtx := ctx
	if s.options.mutex != nil {
		lockCtx, err := s.options.mutex.Lock(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("failed to acquire sweep lock, skipping tick", slog.Any("error", err))
			}
			return
		}
		workCtx = lockCtx
		defer func() {
			if _, err := s.options.mutex.Unlock(); err != nil {
				s.logger.Warn("failed to release sweep lock", slog.Any("error", err))
			}
		}()
	}
	if err := s.Sweep(workCtx); err != nil {
		s.logger.Error("sweep failed", slog.Any("error", err))
	}
}

// settlementRecord 是歸檔報告裡的一行
type settlementRecord struct {
	ListingID  uuid.UUID            `json:"listingId"`
	Status     models.ListingStatus `json:"status"`
	WinnerID   *uuid.UUID           `json:"winnerId,omitempty"`
	FinalPrice *int64               `json:"finalPrice,omitempty"`
	OrderID    *uuid.UUID           `json:"orderId,omitempty"`
	SettledAt  time.Time            `json:"settledAt"`
}

// Sweep 掃描到期但尚未結算的商品並逐一結算
// ended 是出價驗證順手翻出來的「過期待結算」狀態，和過期的 active 一視同仁
func (s *Scheduler) Sweep(ctx context.Context) error {
	const op = "Scheduler.Sweep"
	now := s.options.now()

	var due []models.Listing
	result := s.engine.db.WithContext(ctx).
		Where("status IN ? AND end_at <= ?",
			[]models.ListingStatus{models.ListingStatusActive, models.ListingStatusEnded}, now).
		Order("end_at").
		Limit(s.options.batchSize).
		Find(&due)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to query due listings, err=%w", op, result.Error)
	}
	if len(due) == 0 {
		return nil
	}
	s.logger.Info("sweeping due listings", slog.Int("count", len(due)))

	records := make([]settlementRecord, 0, len(due))
	for _, listing := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome, err := s.engine.SettleListing(ctx, listing.ID)
		if err != nil {
			// 商品還是 active，下一輪掃描會重試
			s.logger.Error("failed to settle listing, will retry next tick",
				slog.String("listingID", listing.ID.String()),
				slog.Any("error", err))
			continue
		}
		if !outcome.Settled {
			continue
		}
		record := settlementRecord{
			ListingID: listing.ID,
			Status:    outcome.Status,
			SettledAt: now,
		}
		if outcome.WinningBid != nil {
			record.WinnerID = &outcome.WinningBid.BidderID
			record.FinalPrice = &outcome.WinningBid.Amount
		}
		if outcome.Order != nil {
			record.OrderID = &outcome.Order.ID
		}
		records = append(records, record)
	}

	s.archive(ctx, now, records)
	return nil
}

// archive 把這一輪的結算結果以 JSONL 歸檔，失敗只記錄日誌
func (s *Scheduler) archive(ctx context.Context, at time.Time, records []settlementRecord) {
	if s.options.uploader == nil || len(records) == 0 {
		return
	}
	var buf []byte
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			s.logger.Error("failed to marshal settlement record", slog.Any("error", err))
			return
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	key := fmt.Sprintf("settlements/%s/%d.jsonl", at.UTC().Format("2006-01-02"), at.UnixNano())
	url, err := s.options.uploader.Upload(ctx, key, "application/x-ndjson", buf)
	if err != nil {
		s.logger.Error("failed to archive settlement report", slog.Any("error", err))
		return
	}
	s.logger.Info("settlement report archived",
		slog.Int("records", len(records)),
		slog.String("url", url))
}
