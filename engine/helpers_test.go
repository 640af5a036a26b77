package engine

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gavel/models"
)

var testDBSeq atomic.Int64

// setupDB 建立一個獨立的 in-memory 資料庫並完成遷移
func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Listing{}, &models.Bid{}, &models.Order{}))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// sqliteRetryable 把 sqlite 的鎖衝突視為可重試，等價於 postgres 的序列化失敗
func sqliteRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func newTestEngine(t *testing.T, db *gorm.DB, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryableCheck(sqliteRetryable),
		WithMaxRetries(25),
		WithRetryDelay(2 * time.Millisecond),
	}
	engine, err := NewEngine(db, append(base, opts...)...)
	require.NoError(t, err)
	return engine
}

func seedUser(t *testing.T, db *gorm.DB, username string, balance int64) *models.User {
	t.Helper()
	user := &models.User{Username: username, Balance: balance}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedListing(t *testing.T, db *gorm.DB, sellerID uuid.UUID, starting, increment int64, mods ...func(*models.Listing)) *models.Listing {
	t.Helper()
	listing := &models.Listing{
		SellerID:        sellerID,
		Title:           "vintage camera",
		StartingPrice:   starting,
		CurrentPrice:    starting,
		IncrementAmount: increment,
		EndAt:           time.Now().Add(time.Hour),
		Status:          models.ListingStatusActive,
	}
	for _, mod := range mods {
		mod(listing)
	}
	require.NoError(t, db.Create(listing).Error)
	return listing
}

func withBuyNow(price int64) func(*models.Listing) {
	return func(l *models.Listing) {
		l.BuyNowPrice = &price
	}
}

func withEndAt(at time.Time) func(*models.Listing) {
	return func(l *models.Listing) {
		l.EndAt = at
	}
}

func withStatus(status models.ListingStatus) func(*models.Listing) {
	return func(l *models.Listing) {
		l.Status = status
	}
}

func getListing(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Listing {
	t.Helper()
	var listing models.Listing
	require.NoError(t, db.First(&listing, "id = ?", id).Error)
	return &listing
}

func getBid(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Bid {
	t.Helper()
	var bid models.Bid
	require.NoError(t, db.First(&bid, "id = ?", id).Error)
	return &bid
}

func getUser(t *testing.T, db *gorm.DB, id uuid.UUID) *models.User {
	t.Helper()
	var user models.User
	require.NoError(t, db.First(&user, "id = ?", id).Error)
	return &user
}

func getOrders(t *testing.T, db *gorm.DB, listingID uuid.UUID) []models.Order {
	t.Helper()
	var orders []models.Order
	require.NoError(t, db.Where("listing_id = ?", listingID).Find(&orders).Error)
	return orders
}

// captureNotifier 收集引擎發布的事件供斷言使用
type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *captureNotifier) Publish(event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *captureNotifier) byType(eventType EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, event := range n.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
