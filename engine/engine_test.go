package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gavel/models"
)

func TestNewEngine(t *testing.T) {
	t.Run("nil db", func(t *testing.T) {
		engine, err := NewEngine(nil)
		assert.Error(t, err)
		assert.Nil(t, engine)
	})

	t.Run("valid configuration", func(t *testing.T) {
		engine, err := NewEngine(setupDB(t), WithFeeBps(250), WithMaxRetries(5))
		assert.NoError(t, err)
		assert.NotNil(t, engine)
	})
}

func TestPlaceBid_FirstBid(t *testing.T) {
	db := setupDB(t)
	notifier := &captureNotifier{}
	engine := newTestEngine(t, db, WithNotifier(notifier))

	seller := seedUser(t, db, "seller", 0)
	alice := seedUser(t, db, "alice", 1000)
	listing := seedListing(t, db, seller.ID, 100, 10)

	bid, err := engine.PlaceBid(context.Background(), listing.ID, alice.ID, 110)
	require.NoError(t, err)
	require.NotNil(t, bid)
	assert.Equal(t, models.BidStatusActive, bid.Status)
	assert.Equal(t, int64(110), bid.Amount)

	updated := getListing(t, db, listing.ID)
	assert.Equal(t, int64(110), updated.CurrentPrice)
	assert.Equal(t, uint32(1), updated.TotalBids)
	assert.Equal(t, uint32(1), updated.UniqueBidderCount)

	// 出價金額從可動用餘額移到圈存
	account := getUser(t, db, alice.ID)
	assert.Equal(t, int64(890), account.Balance)
	assert.Equal(t, int64(110), account.HeldBalance)

	newBids := notifier.byType(EventNewBid)
	require.Len(t, newBids, 1)
	assert.Equal(t, alice.ID, newBids[0].UserID)
	assert.Equal(t, "alice", newBids[0].Username)
	assert.Equal(t, int64(110), newBids[0].Amount)
	assert.Empty(t, notifier.byType(EventOutbid))
}

func TestPlaceBid_OutbidsPreviousLeader(t *testing.T) {
	db := setupDB(t)
	notifier := &captureNotifier{}
	engine := newTestEngine(t, db, WithNotifier(notifier))

	seller := seedUser(t, db, "seller", 0)
	alice := seedUser(t, db, "alice", 1000)
	bob := seedUser(t, db, "bob", 1000)
	listing := seedListing(t, db, seller.ID, 100, 10)

	first, err := engine.PlaceBid(context.Background(), listing.ID, alice.ID, 110)
	require.NoError(t, err)
	second, err := engine.PlaceBid(context.Background(), listing.ID, bob.ID, 120)
	require.NoError(t, err)

	// 前一筆領先出價轉為 outbid，圈存退回
	assert.Equal(t, models.BidStatusOutbid, getBid(t, db, first.ID).Status)
	assert.Equal(t, models.BidStatusActive, getBid(t, db, second.ID).Status)

	aliceAccount := getUser(t, db, alice.ID)
	assert.Equal(t, int64(1000), aliceAccount.Balance)
	assert.Equal(t, int64(0), aliceAccount.HeldBalance)
	bobAccount := getUser(t, db, bob.ID)
	assert.Equal(t, int64(880), bobAccount.Balance)
	assert.Equal(t, int64(120), bobAccount.HeldBalance)

	updated := getListing(t, db, listing.ID)
	assert.Equal(t, int64(120), updated.CurrentPrice)
	assert.Equal(t, uint32(2), updated.TotalBids)
	assert.Equal(t, uint32(2), updated.UniqueBidderCount)

	outbids := notifier.byType(EventOutbid)
	require.Len(t, outbids, 1)
	assert.Equal(t, alice.ID, outbids[0].UserID)
	assert.Equal(t, "alice", outbids[0].Username)
}

// 同一個出價者連續出價：舊的領先出價一樣轉為 outbid，
// 圈存只保留最新金額，uniqueBidderCount 不重複計算
func TestPlaceBid_SameBidderRaises(t *testing.T) {
	db := setupDB(t)
	engine := newTestEngine(t, db)

	seller := seedUser(t, db, "seller", 0)
	alice := seedUser(t, db, "alice", 1000)
	listing := seedListing(t, db, seller.ID, 100, 10)

	first, err := engine.PlaceBid(context.Background(), listing.ID, alice.ID, 110)
	require.NoError(t, err)
	second, err := engine.PlaceBid(context.Background(), listing.ID, alice.ID, 130)
	require.NoError(t, err)

	assert.Equal(t, models.BidStatusOutbid, getBid(t, db, first.ID).Status)
	assert.Equal(t, models.BidStatusActive, getBid(t, db, second.ID).Status)

	account := getUser(t, db, alice.ID)
	assert.Equal(t, int64(870), account.Balance)
	assert.Equal(t, int64(130), account.HeldBalance)

	updated := getListing(t, db, listing.ID)
	assert.Equal(t, uint32(2), updated.TotalBids)
	assert.Equal(t, uint32(1), updated.UniqueBidderCount)
}

func TestPlaceBid_ValidationFailures(t *testing.T) {
	db := setupDB(t)
	engine := newTestEngine(t, db)

	seller := seedUser(t, db, "seller", 1000)
	alice := seedUser(t, db, "alice", 1000)
	broke := seedUser(t, db, "broke", 50)
	listing := seedListing(t, db, seller.ID, 100, 10, withBuyNow(500))
	soldListing := seedListing(t, db, seller.ID, 100, 10, withStatus(models.ListingStatusSold))

	tests := []struct {
		name      string
		listingID uuid.UUID
		bidderID  uuid.UUID
		amount    int64
		wantErr   error
	}{
		{"商品不存在", uuid.New(), alice.ID, 110, ErrListingNotFound},
		{"出價者不存在", listing.ID, uuid.New(), 110, ErrBidderNotFound},
		{"商品已售出", soldListing.ID, alice.ID, 110, ErrAuctionClosed},
		{"賣家自我出價", listing.ID, seller.ID, 110, ErrSelfBidForbidden},
		{"出價太低", listing.ID, alice.ID, 105, ErrBidTooLow},
		{"達到直購價", listing.ID, alice.ID, 500, ErrUseBuyNowInstead},
		{"餘額不足", listing.ID, broke.ID, 110, ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bid, err := engine.PlaceBid(context.Background(), tt.listingID, tt.bidderID, tt.amount)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, bid)
		})
	}

	// 失敗的出價不留下任何紀錄或餘額變動
	var count int64
	require.NoError(t, db.Model(&models.Bid{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, int64(1000), getUser(t, db, alice.ID).Balance)
}

func TestPlaceBid_TooLowCarriesMinimum(t *testing.T) {
	db := setupDB(t)
	engine := newTestEngine(t, db)

	seller := seedUser(t, db, "seller", 0)
	alice := seedUser(t, db, "alice", 1000)
	listing := seedListing(t, db, seller.ID, 100, 10)

	_, err := engine.PlaceBid(context.Background(), listing.ID, alice.ID, 105)
	var tooLow *BidTooLowError
	require.ErrorAs(t, err, &tooLow)
	assert.Equal(t, int64(110), tooLow.Minimum)
}

// 對已過期但還沒被排程掃到的商品出價：拒絕出價並順手把狀態翻成 ended，
// 之後的結算排程會把它收尾
func TestPlaceBid_ExpiredListingFlipped(t *testing.T) {
	db := setupDB(t)
	engine := newTestEngine(t, db)

	seller := seedUser(t, db, "seller", 0)
	alice := seedUser(t, db, "alice", 1000)
	listing := seedListing(t, db, seller.ID, 100, 10, withEndAt(time.Now().Add(-time.Minute)))

	bid, err := engine.PlaceBid(context.Background(), listing.ID, alice.ID, 110)
	assert.ErrorIs(t, err, ErrAuctionClosed)
	assert.Nil(t, bid)

	assert.Equal(t, models.ListingStatusEnded, getListing(t, db, listing.ID).Status)
}

// 併發下單一領先者不變量：無論提交順序為何，結束時每個商品
// 最多只有一筆 active 出價，current_price 等於該筆出價的金額
func TestPlaceBid_ConcurrentBidders(t *testing.T) {
	db := setupDB(t)
	engine := newTestEngine(t, db)

	seller := seedUser(t, db, "seller", 0)
	listing := seedListing(t, db, seller.ID, 100, 10)

	const bidders = 8
	users := make([]*models.User, bidders)
	for i := range users {
		users[i] = seedUser(t, db, "bidder", 100000)
	}

	var wg sync.WaitGroup
	for i, user := range users {
		wg.Add(1)
		go func(amount int64, bidderID uuid.UUID) {
			defer wg.Done()
			_, err := engine.PlaceBid(context.Background(), listing.ID, bidderID, amount)
			if err != nil {
				// 後到的低價出價會被拒絕，嚴重衝突會回報 ErrContention
				assert.True(t,
					errors.Is(err, ErrBidTooLow) || errors.Is(err, ErrContention),
					"unexpected error: %v", err)
			}
		}(int64(110+i*10), user.ID)
	}
	wg.Wait()

	var active []models.Bid
	require.NoError(t, db.Where("listing_id = ? AND status = ?", listing.ID, models.BidStatusActive).Find(&active).Error)
	require.Len(t, active, 1)

	updated := getListing(t, db, listing.ID)
	assert.Equal(t, active[0].Amount, updated.CurrentPrice)
	assert.GreaterOrEqual(t, updated.CurrentPrice, int64(110))

	// 圈存只留在領先者身上
	for _, user := range users {
		account := getUser(t, db, user.ID)
		if user.ID == active[0].BidderID {
			assert.Equal(t, active[0].Amount, account.HeldBalance)
		} else {
			assert.Equal(t, int64(0), account.HeldBalance)
			assert.Equal(t, int64(100000), account.Balance)
		}
	}
}

func TestCurrentLeader(t *testing.T) {
	db := setupDB(t)
	engine := newTestEngine(t, db)

	seller := seedUser(t, db, "seller", 0)
	alice := seedUser(t, db, "alice", 1000)
	listing := seedListing(t, db, seller.ID, 100, 10)

	t.Run("沒有出價時回傳 nil", func(t *testing.T) {
		leader, err := engine.CurrentLeader(context.Background(), listing.ID)
		assert.NoError(t, err)
		assert.Nil(t, leader)
	})

	t.Run("回傳領先出價並帶出帳戶資料", func(t *testing.T) {
		_, err := engine.PlaceBid(context.Background(), listing.ID, alice.ID, 110)
		require.NoError(t, err)

		leader, err := engine.CurrentLeader(context.Background(), listing.ID)
		require.NoError(t, err)
		require.NotNil(t, leader)
		assert.Equal(t, alice.ID, leader.BidderID)
		assert.Equal(t, int64(110), leader.Amount)
		assert.Equal(t, "alice", leader.Bidder.Username)
	})
}

func TestGetListing(t *testing.T) {
	db := setupDB(t)
	engine := newTestEngine(t, db)

	seller := seedUser(t, db, "seller", 0)
	listing := seedListing(t, db, seller.ID, 100, 10)

	found, err := engine.GetListing(context.Background(), listing.ID)
	require.NoError(t, err)
	assert.Equal(t, listing.ID, found.ID)

	_, err = engine.GetListing(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrListingNotFound)
}
