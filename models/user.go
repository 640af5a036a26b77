package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 代表拍賣系統中的使用者帳戶
// 身分驗證由外部系統負責，這裡只保留引擎需要的餘額資訊：
// Balance 是可動用餘額，HeldBalance 是被出價或待付款訂單圈存的金額
type User struct {
	gorm.Model

	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username    string    `gorm:"type:varchar(255);not null"`
	Balance     int64     `gorm:"type:bigint;not null;default:0"`
	HeldBalance int64     `gorm:"type:bigint;not null;default:0"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
