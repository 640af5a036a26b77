package engine

import (
	"errors"
	"fmt"
)

// 驗證類錯誤是終態，直接回傳給呼叫端，不會自動重試
var (
	ErrListingNotFound = errors.New("listing not found")
	ErrBidNotFound     = errors.New("bid not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrBidderNotFound  = errors.New("bidder not found")

	// ErrAuctionClosed 表示商品不在可出價狀態（已結束、已售出或付款保留中）
	ErrAuctionClosed = errors.New("auction closed")
	// ErrSelfBidForbidden 表示賣家試圖對自己的商品出價
	ErrSelfBidForbidden = errors.New("seller cannot bid on own listing")
	// ErrBidTooLow 表示出價未達目前最低有效金額，詳細資訊在 BidTooLowError
	ErrBidTooLow = errors.New("bid below required minimum")
	// ErrUseBuyNowInstead 表示出價已達直購價，應改走直購流程
	ErrUseBuyNowInstead = errors.New("amount reaches buy-now price, use buy-now instead")
	// ErrBuyNowUnavailable 表示商品沒有設定直購價
	ErrBuyNowUnavailable = errors.New("listing has no buy-now price")
	// ErrInsufficientFunds 表示出價者可動用餘額不足
	ErrInsufficientFunds = errors.New("insufficient balance")
	// ErrUnauthorized 表示操作者不是出價的擁有者
	ErrUnauthorized = errors.New("not the owner of this bid")
	// ErrAlreadyProcessed 表示出價或訂單已不在可操作狀態
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrContention 表示交易在重試額度內始終無法提交，
	// 呼叫端應提示使用者稍後再試
	ErrContention = errors.New("too much contention, try again")
)

// BidTooLowError 帶出下一個有效出價的最低金額，
// 讓客戶端可以直接重新出價而不用猜測
type BidTooLowError struct {
	Minimum int64
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid below required minimum %d", e.Minimum)
}

func (e *BidTooLowError) Unwrap() error {
	return ErrBidTooLow
}
