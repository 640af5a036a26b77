package engine

import (
	"time"

	"github.com/google/uuid"
)

// EventType 是引擎對外發布的生命週期事件種類
type EventType string

const (
	EventNewBid       EventType = "new-bid"
	EventOutbid       EventType = "outbid"
	EventAuctionWon   EventType = "auction-won"
	EventAuctionEnded EventType = "auction-ended"
)

// Event 是發布給通知系統的事件內容
// UserID 依事件種類代表不同對象：new-bid 是出價者、outbid 是被超越的出價者、
// auction-won 是得標者；auction-ended 沒有對象
type Event struct {
	Type      EventType `json:"type" msgpack:"type"`
	ListingID uuid.UUID `json:"listingId" msgpack:"listing_id"`
	UserID    uuid.UUID `json:"userId,omitempty" msgpack:"user_id"`
	Username  string    `json:"username,omitempty" msgpack:"username"`
	Amount    int64     `json:"amount,omitempty" msgpack:"amount"`
	At        time.Time `json:"at" msgpack:"at"`
}

// Notifier 是通知系統的抽象，實作必須是非阻塞的：
// 發布失敗只記錄日誌，絕對不能回滾已提交的出價或結算
type Notifier interface {
	Publish(event Event) error
}

// NopNotifier 丟棄所有事件，用於測試和不需要通知的場景
type NopNotifier struct{}

func (NopNotifier) Publish(Event) error { return nil }
