package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BidStatus 是出價紀錄的狀態
type BidStatus string

const (
	// BidStatusActive 表示領先中的出價，同一個商品任何時刻最多只有一筆
	BidStatusActive BidStatus = "active"
	// BidStatusOutbid 表示被更高出價超越但未撤回的出價
	BidStatusOutbid BidStatus = "outbid"
	// BidStatusCancelled 表示出價者主動撤回的出價，不再參與遞補
	BidStatusCancelled BidStatus = "cancelled"
	// BidStatusWon 表示得標的出價
	BidStatusWon BidStatus = "won"
	// BidStatusLost 表示拍賣結束時未得標的出價
	BidStatusLost BidStatus = "lost"
)

// Bid 代表拍賣商品的出價紀錄
// Amount 建立後不可變更；狀態轉移由出價引擎和取消處理負責
type Bid struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ListingID uuid.UUID `gorm:"type:uuid;not null;index:idx_bids_listing_status;<-:create"`
	BidderID  uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	Amount    int64     `gorm:"type:bigint;not null;<-:create"`
	Status    BidStatus `gorm:"type:varchar(16);not null;default:'active';index:idx_bids_listing_status"`
	PlacedAt  time.Time `gorm:"type:timestamp with time zone;not null;<-:create"`

	// 外鍵關聯
	Listing Listing `gorm:"foreignKey:ListingID"`
	Bidder  User    `gorm:"foreignKey:BidderID"`
}

func (b *Bid) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
