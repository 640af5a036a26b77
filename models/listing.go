package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ListingStatus 是拍賣商品的生命週期狀態
type ListingStatus string

const (
	// ListingStatusActive 表示拍賣進行中，接受出價
	ListingStatusActive ListingStatus = "active"
	// ListingStatusEnded 表示拍賣時間已過但尚未結算，
	// 由出價驗證在發現過期時寫入，結算排程會把它當作過期的 active 處理
	ListingStatusEnded ListingStatus = "ended"
	// ListingStatusReserved 表示有買家以直購價下單、付款確認中，
	// 在付款結果出來之前商品不開放給其他買家
	ListingStatusReserved ListingStatus = "reserved"
	// ListingStatusSold 表示商品已售出（得標或直購付款完成）
	ListingStatusSold ListingStatus = "sold"
	// ListingStatusEndedNoBids 表示拍賣結束且沒有任何有效出價
	ListingStatusEndedNoBids ListingStatus = "ended_no_bids"
	// ListingStatusCancelled 表示商品在拍賣中被下架
	ListingStatusCancelled ListingStatus = "cancelled"
)

// Listing 代表拍賣系統中的商品
// CurrentPrice 永遠等於起標價（沒有有效出價時）或目前領先出價的金額，
// 只能由出價引擎、取消處理和結算排程修改，不接受客戶端直接寫入
type Listing struct {
	gorm.Model

	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	SellerID        uuid.UUID     `gorm:"type:uuid;not null;<-:create"`
	Title           string        `gorm:"type:varchar(255);not null"`
	StartingPrice   int64         `gorm:"type:bigint;not null;<-:create"`
	CurrentPrice    int64         `gorm:"type:bigint;not null"`
	IncrementAmount int64         `gorm:"type:bigint;not null;<-:create"`
	BuyNowPrice     *int64        `gorm:"type:bigint"`
	EndAt           time.Time     `gorm:"type:timestamp with time zone;not null;index"`
	Status          ListingStatus `gorm:"type:varchar(16);not null;default:'active';index"`

	TotalBids         uint32 `gorm:"type:integer;not null;default:0"`
	UniqueBidderCount uint32 `gorm:"type:integer;not null;default:0"`

	// 只在結算時寫入
	WinnerID   *uuid.UUID `gorm:"type:uuid"`
	FinalPrice *int64     `gorm:"type:bigint"`

	// 外鍵關聯
	Seller User  `gorm:"foreignKey:SellerID"`
	Winner *User `gorm:"foreignKey:WinnerID"`
	Bids   []Bid `gorm:"foreignKey:ListingID"`
}

func (l *Listing) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// MinimumBid 回傳下一個有效出價必須達到的金額
func (l *Listing) MinimumBid() int64 {
	return l.CurrentPrice + l.IncrementAmount
}

// Expired 回傳拍賣時間是否已過
func (l *Listing) Expired(now time.Time) bool {
	return !now.Before(l.EndAt)
}
