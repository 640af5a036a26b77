package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gavel/models"
)

type engineOptions struct {
	logger     *slog.Logger
	notifier   Notifier
	now        func() time.Time
	maxRetries int
	retryDelay time.Duration
	feeBps     int64
	retryable  func(error) bool
}

type Option func(*engineOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithNotifier 設置事件通知器
func WithNotifier(notifier Notifier) Option {
	return func(o *engineOptions) {
		o.notifier = notifier
	}
}

// WithClock 注入時間來源（主要用於測試）
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		o.now = now
	}
}

// WithMaxRetries 設置交易衝突的重試上限
func WithMaxRetries(n int) Option {
	return func(o *engineOptions) {
		o.maxRetries = n
	}
}

// WithRetryDelay 設置重試之間的等待時間
func WithRetryDelay(d time.Duration) Option {
	return func(o *engineOptions) {
		o.retryDelay = d
	}
}

// WithFeeBps 設置平台手續費（基點，10000 = 100%）
func WithFeeBps(bps int64) Option {
	return func(o *engineOptions) {
		o.feeBps = bps
	}
}

// WithRetryableCheck 設置交易錯誤是否可重試的判斷函數（主要用於測試）
func WithRetryableCheck(fn func(error) bool) Option {
	return func(o *engineOptions) {
		o.retryable = fn
	}
}

// Engine 擁有出價、取消、結算的交易流程
// 所有會修改同一個商品的操作都透過 FOR UPDATE 的讀-改-寫交易序列化，
// 保證任何成功提交之後每個商品最多只有一筆 active 出價
type Engine struct {
	db      *gorm.DB
	logger  *slog.Logger
	options engineOptions
}

func NewEngine(db *gorm.DB, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	// 默認選項
	options := engineOptions{
		logger:     slog.Default(),
		notifier:   NopNotifier{},
		now:        time.Now,
		maxRetries: 3,
		retryDelay: 20 * time.Millisecond,
		feeBps:     0,
		retryable:  DefaultRetryable,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Engine{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "Engine")),
		options: options,
	}, nil
}

// DefaultRetryable 判斷 postgres 的序列化失敗和死鎖，這兩類錯誤
// 重跑整個讀-驗證-寫循環即可，其他錯誤一律視為終態
func DefaultRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// lockForUpdate 對查詢加上 FOR UPDATE 行鎖
// sqlite 不支援這個語法，但其單一寫入者的特性本身就序列化了交易
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// withRetry 執行一個交易，遇到可重試的衝突時重跑整個循環，
// 額度用盡後以 ErrContention 回報
func (e *Engine) withRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	const op = "Engine.withRetry"
	var lastErr error
	for attempt := 0; attempt < e.options.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.options.retryDelay):
			}
		}
		lastErr = e.db.WithContext(ctx).Transaction(fn)
		if lastErr == nil {
			return nil
		}
		if !e.options.retryable(lastErr) {
			return lastErr
		}
		e.logger.Warn("transaction conflict, retrying",
			slog.Int("attempt", attempt+1),
			slog.Any("error", lastErr))
	}
	return fmt.Errorf("[%s] %w, err=%v", op, ErrContention, lastErr)
}

// publish 發布事件，失敗只記錄日誌，不影響已提交的交易
func (e *Engine) publish(event Event) {
	if err := e.options.notifier.Publish(event); err != nil {
		e.logger.Error("failed to publish event",
			slog.String("type", string(event.Type)),
			slog.String("listingID", event.ListingID.String()),
			slog.Any("error", err))
	}
}

// holdFunds 把金額從可動用餘額移到圈存餘額
func holdFunds(tx *gorm.DB, userID uuid.UUID, amount int64) error {
	return tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"balance":      gorm.Expr("balance - ?", amount),
		"held_balance": gorm.Expr("held_balance + ?", amount),
	}).Error
}

// releaseFunds 把圈存金額退回可動用餘額
func releaseFunds(tx *gorm.DB, userID uuid.UUID, amount int64) error {
	return tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"balance":      gorm.Expr("balance + ?", amount),
		"held_balance": gorm.Expr("held_balance - ?", amount),
	}).Error
}

// PlaceBid 對商品下一筆出價
// 驗證和寫入都在同一個交易內進行：重新讀取商品（加鎖）、重跑驗證、
// 寫入新出價、把前一筆領先出價標記為 outbid、更新商品價格與計數
// 提交成功後發布 new-bid 事件，若有人被超越再發布 outbid 事件
func (e *Engine) PlaceBid(ctx context.Context, listingID, bidderID uuid.UUID, amount int64) (*models.Bid, error) {
	const op = "Engine.PlaceBid"

	var (
		bid      models.Bid
		bidder   models.User
		outbid   *models.Bid
		outbidBy models.User
	)
	err := e.withRetry(ctx, func(tx *gorm.DB) error {
		outbid = nil

		var listing models.Listing
		if result := lockForUpdate(tx).First(&listing, "id = ?", listingID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrListingNotFound
			}
			return fmt.Errorf("[%s] Fail to find listing, err=%w", op, result.Error)
		}

		if result := lockForUpdate(tx).First(&bidder, "id = ?", bidderID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrBidderNotFound
			}
			return fmt.Errorf("[%s] Fail to find bidder, err=%w", op, result.Error)
		}

		if err := validateBid(&listing, &bidder, amount, e.options.now()); err != nil {
			return err
		}

		// 讀取目前的領先出價
		var leader models.Bid
		result := tx.Where("listing_id = ? AND status = ?", listingID, models.BidStatusActive).First(&leader)
		if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("[%s] Fail to find current leader, err=%w", op, result.Error)
		}
		hasLeader := result.Error == nil

		// 寫入新的領先出價
		bid = models.Bid{
			ListingID: listingID,
			BidderID:  bidderID,
			Amount:    amount,
			Status:    models.BidStatusActive,
			PlacedAt:  e.options.now(),
		}
		if result := tx.Create(&bid); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create bid, err=%w", op, result.Error)
		}

		// 前一筆領先出價改為 outbid 並退回圈存
		if hasLeader {
			if result := tx.Model(&models.Bid{}).Where("id = ?", leader.ID).
				Update("status", models.BidStatusOutbid); result.Error != nil {
				return fmt.Errorf("[%s] Fail to mark previous leader outbid, err=%w", op, result.Error)
			}
			if err := releaseFunds(tx, leader.BidderID, leader.Amount); err != nil {
				return fmt.Errorf("[%s] Fail to release previous leader funds, err=%w", op, err)
			}
			if result := tx.First(&outbidBy, "id = ?", leader.BidderID); result.Error != nil {
				return fmt.Errorf("[%s] Fail to find previous leader account, err=%w", op, result.Error)
			}
			outbid = &leader
		}

		// 圈存新出價者的資金
		if err := holdFunds(tx, bidderID, amount); err != nil {
			return fmt.Errorf("[%s] Fail to hold bidder funds, err=%w", op, err)
		}

		// 出價者第一次對這個商品出價才增加 uniqueBidderCount
		var prior int64
		if result := tx.Model(&models.Bid{}).
			Where("listing_id = ? AND bidder_id = ? AND id <> ?", listingID, bidderID, bid.ID).
			Count(&prior); result.Error != nil {
			return fmt.Errorf("[%s] Fail to count prior bids, err=%w", op, result.Error)
		}
		updates := map[string]any{
			"current_price": amount,
			"total_bids":    gorm.Expr("total_bids + 1"),
		}
		if prior == 0 {
			updates["unique_bidder_count"] = gorm.Expr("unique_bidder_count + 1")
		}
		if result := tx.Model(&models.Listing{}).Where("id = ?", listingID).Updates(updates); result.Error != nil {
			return fmt.Errorf("[%s] Fail to update listing, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		// 拍賣時間已過：排程還沒掃到的話順手翻轉狀態，排程才是權威，失敗無妨
		if errors.Is(err, errListingExpired) {
			e.flipExpired(ctx, listingID)
		}
		return nil, err
	}

	e.publish(Event{
		Type:      EventNewBid,
		ListingID: listingID,
		UserID:    bidderID,
		Username:  bidder.Username,
		Amount:    amount,
		At:        bid.PlacedAt,
	})
	if outbid != nil {
		e.publish(Event{
			Type:      EventOutbid,
			ListingID: listingID,
			UserID:    outbid.BidderID,
			Username:  outbidBy.Username,
			Amount:    amount,
			At:        bid.PlacedAt,
		})
	}
	e.logger.Info("bid placed",
		slog.String("listingID", listingID.String()),
		slog.String("bidder", bidderID.String()),
		slog.Int64("amount", amount))
	return &bid, nil
}

// flipExpired 以 compare-and-swap 把過期但仍標記 active 的商品翻成 ended
func (e *Engine) flipExpired(ctx context.Context, listingID uuid.UUID) {
	result := e.db.WithContext(ctx).Model(&models.Listing{}).
		Where("id = ? AND status = ?", listingID, models.ListingStatusActive).
		Update("status", models.ListingStatusEnded)
	if result.Error != nil {
		e.logger.Warn("failed to flip expired listing",
			slog.String("listingID", listingID.String()),
			slog.Any("error", result.Error))
	}
}

// CurrentLeader 回傳商品目前的領先出價，沒有任何有效出價時回傳 nil
func (e *Engine) CurrentLeader(ctx context.Context, listingID uuid.UUID) (*models.Bid, error) {
	const op = "Engine.CurrentLeader"
	var leader models.Bid
	result := e.db.WithContext(ctx).Preload("Bidder").
		Where("listing_id = ? AND status = ?", listingID, models.BidStatusActive).
		First(&leader)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] Fail to find leader, err=%w", op, result.Error)
	}
	return &leader, nil
}

// GetListing 回傳商品快照
func (e *Engine) GetListing(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	const op = "Engine.GetListing"
	var listing models.Listing
	if result := e.db.WithContext(ctx).First(&listing, "id = ?", listingID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find listing, err=%w", op, result.Error)
	}
	return &listing, nil
}
