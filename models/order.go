package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderType 表示訂單的成立方式
type OrderType string

const (
	// OrderTypeAuctionWin 表示拍賣結束由最高出價成立的訂單
	OrderTypeAuctionWin OrderType = "auction_win"
	// OrderTypeBuyNow 表示以直購價立即成立的訂單
	OrderTypeBuyNow OrderType = "buy_now"
)

// OrderStatus 是訂單的付款狀態
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusFailed         OrderStatus = "failed"
)

// Order 代表一筆應付款的成交訂單
// 每個售出的商品只會成立一筆訂單，由結算流程在同一個交易內
// 檢查商品狀態轉移來保證不會重複建立
type Order struct {
	gorm.Model

	ID        uuid.UUID   `gorm:"type:uuid;primaryKey"`
	ListingID uuid.UUID   `gorm:"type:uuid;not null;index;<-:create"`
	BuyerID   uuid.UUID   `gorm:"type:uuid;not null;<-:create"`
	SellerID  uuid.UUID   `gorm:"type:uuid;not null;<-:create"`
	Amount    int64       `gorm:"type:bigint;not null;<-:create"`
	Type      OrderType   `gorm:"type:varchar(16);not null;<-:create"`
	Status    OrderStatus `gorm:"type:varchar(24);not null;default:'pending_payment'"`

	// 外鍵關聯
	Listing Listing `gorm:"foreignKey:ListingID"`
	Buyer   User    `gorm:"foreignKey:BuyerID"`
	Seller  User    `gorm:"foreignKey:SellerID"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
