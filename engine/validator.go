package engine

import (
	"fmt"
	"time"

	"gavel/models"
)

// errListingExpired 在商品仍標記 active 但拍賣時間已過時回傳
// 呼叫端在交易回滾後會補一次 best-effort 的狀態翻轉（結算排程才是權威），
// 對外仍然以 ErrAuctionClosed 呈現
var errListingExpired = fmt.Errorf("listing expired: %w", ErrAuctionClosed)

// validateListingBiddable 檢查商品是否接受出價
func validateListingBiddable(listing *models.Listing, now time.Time) error {
	if listing.Status != models.ListingStatusActive {
		return ErrAuctionClosed
	}
	if listing.Expired(now) {
		return errListingExpired
	}
	return nil
}

// validateBid 依規格順序執行出價驗證，第一個失敗的條件決定回傳的錯誤
// 前兩類商品檢查之後的條件都需要出價者的帳戶資料，由呼叫端取得一次後傳入
func validateBid(listing *models.Listing, bidder *models.User, amount int64, now time.Time) error {
	if err := validateListingBiddable(listing, now); err != nil {
		return err
	}
	if bidder.ID == listing.SellerID {
		return ErrSelfBidForbidden
	}
	if minimum := listing.MinimumBid(); amount < minimum {
		return &BidTooLowError{Minimum: minimum}
	}
	if listing.BuyNowPrice != nil && amount >= *listing.BuyNowPrice {
		return ErrUseBuyNowInstead
	}
	if bidder.Balance < amount {
		return ErrInsufficientFunds
	}
	return nil
}
