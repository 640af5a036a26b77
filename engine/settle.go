package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/models"
)

// Outcome 是一次結算的結果
// Settled 為 false 表示商品已經結算過，這次呼叫是冪等的 no-op
type Outcome struct {
	Settled    bool
	Status     models.ListingStatus
	WinningBid *models.Bid
	Order      *models.Order
}

// SettleListing 把一個到期的商品結算成終態
// 冪等性由交易內的第一個檢查保證：只有 active/ended 的商品會被處理，
// 已經結算過的商品直接回傳 no-op，排程重入或重複呼叫都是安全的
// 有領先出價時成立 auction_win 訂單，沒有的話標記流標
func (e *Engine) SettleListing(ctx context.Context, listingID uuid.UUID) (Outcome, error) {
	const op = "Engine.SettleListing"

	var (
		outcome Outcome
		winner  models.User
	)
	err := e.withRetry(ctx, func(tx *gorm.DB) error {
		outcome = Outcome{}

		var listing models.Listing
		if result := lockForUpdate(tx).First(&listing, "id = ?", listingID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrListingNotFound
			}
			return fmt.Errorf("[%s] Fail to find listing, err=%w", op, result.Error)
		}

		// 冪等守門：只處理尚未結算的商品
		if listing.Status != models.ListingStatusActive && listing.Status != models.ListingStatusEnded {
			outcome.Status = listing.Status
			return nil
		}

		var leader models.Bid
		result := tx.Where("listing_id = ? AND status = ?", listingID, models.BidStatusActive).First(&leader)
		if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("[%s] Fail to find leader, err=%w", op, result.Error)
		}

		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			// 沒有任何有效出價：流標
			if result := tx.Model(&models.Listing{}).Where("id = ?", listingID).
				Update("status", models.ListingStatusEndedNoBids); result.Error != nil {
				return fmt.Errorf("[%s] Fail to mark listing ended_no_bids, err=%w", op, result.Error)
			}
			outcome.Settled = true
			outcome.Status = models.ListingStatusEndedNoBids
			return nil
		}

		// 有領先出價：售出、寫入得標資訊、成立待付款訂單
		if result := tx.Model(&models.Listing{}).Where("id = ?", listingID).Updates(map[string]any{
			"status":      models.ListingStatusSold,
			"winner_id":   leader.BidderID,
			"final_price": leader.Amount,
		}); result.Error != nil {
			return fmt.Errorf("[%s] Fail to mark listing sold, err=%w", op, result.Error)
		}
		if result := tx.Model(&models.Bid{}).Where("id = ?", leader.ID).
			Update("status", models.BidStatusWon); result.Error != nil {
			return fmt.Errorf("[%s] Fail to mark winning bid, err=%w", op, result.Error)
		}
		if result := tx.Model(&models.Bid{}).
			Where("listing_id = ? AND status IN ?", listingID,
				[]models.BidStatus{models.BidStatusActive, models.BidStatusOutbid}).
			Update("status", models.BidStatusLost); result.Error != nil {
			return fmt.Errorf("[%s] Fail to mark losing bids, err=%w", op, result.Error)
		}

		order := models.Order{
			ListingID: listingID,
			BuyerID:   leader.BidderID,
			SellerID:  listing.SellerID,
			Amount:    leader.Amount,
			Type:      models.OrderTypeAuctionWin,
			Status:    models.OrderStatusPendingPayment,
		}
		if result := tx.Create(&order); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create order, err=%w", op, result.Error)
		}
		if result := tx.First(&winner, "id = ?", leader.BidderID); result.Error != nil {
			return fmt.Errorf("[%s] Fail to find winner account, err=%w", op, result.Error)
		}

		outcome.Settled = true
		outcome.Status = models.ListingStatusSold
		outcome.WinningBid = &leader
		outcome.Order = &order
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	if outcome.Settled {
		e.publish(Event{
			Type:      EventAuctionEnded,
			ListingID: listingID,
			At:        e.options.now(),
		})
	}
	if outcome.WinningBid != nil {
		e.publish(Event{
			Type:      EventAuctionWon,
			ListingID: listingID,
			UserID:    outcome.WinningBid.BidderID,
			Username:  winner.Username,
			Amount:    outcome.WinningBid.Amount,
			At:        e.options.now(),
		})
		e.logger.Info("listing settled",
			slog.String("listingID", listingID.String()),
			slog.String("winner", outcome.WinningBid.BidderID.String()),
			slog.Int64("finalPrice", outcome.WinningBid.Amount))
	}
	return outcome, nil
}

// BuyNow 以直購價立即購買
// 商品翻成 reserved 並成立 buy_now 待付款訂單，sold 要等付款確認才寫入，
// 付款失敗會重新開放，避免棄單把商品卡死，也避免重複售出
func (e *Engine) BuyNow(ctx context.Context, listingID, buyerID uuid.UUID, amount int64) (*models.Order, error) {
	const op = "Engine.BuyNow"

	var order models.Order
	err := e.withRetry(ctx, func(tx *gorm.DB) error {
		var listing models.Listing
		if result := lockForUpdate(tx).First(&listing, "id = ?", listingID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrListingNotFound
			}
			return fmt.Errorf("[%s] Fail to find listing, err=%w", op, result.Error)
		}
		if err := validateListingBiddable(&listing, e.options.now()); err != nil {
			return err
		}
		if buyerID == listing.SellerID {
			return ErrSelfBidForbidden
		}
		if listing.BuyNowPrice == nil {
			return ErrBuyNowUnavailable
		}
		if amount != *listing.BuyNowPrice {
			return &BidTooLowError{Minimum: *listing.BuyNowPrice}
		}

		var buyer models.User
		if result := lockForUpdate(tx).First(&buyer, "id = ?", buyerID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrBidderNotFound
			}
			return fmt.Errorf("[%s] Fail to find buyer, err=%w", op, result.Error)
		}
		if buyer.Balance < amount {
			return ErrInsufficientFunds
		}

		// active → reserved 的狀態轉移擋住並發的第二個買家
		if result := tx.Model(&models.Listing{}).Where("id = ?", listingID).
			Update("status", models.ListingStatusReserved); result.Error != nil {
			return fmt.Errorf("[%s] Fail to reserve listing, err=%w", op, result.Error)
		}
		if err := holdFunds(tx, buyerID, amount); err != nil {
			return fmt.Errorf("[%s] Fail to hold buyer funds, err=%w", op, err)
		}

		order = models.Order{
			ListingID: listingID,
			BuyerID:   buyerID,
			SellerID:  listing.SellerID,
			Amount:    amount,
			Type:      models.OrderTypeBuyNow,
			Status:    models.OrderStatusPendingPayment,
		}
		if result := tx.Create(&order); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create order, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errListingExpired) {
			e.flipExpired(ctx, listingID)
		}
		return nil, err
	}

	e.logger.Info("buy-now order created",
		slog.String("listingID", listingID.String()),
		slog.String("buyer", buyerID.String()),
		slog.Int64("amount", amount))
	return &order, nil
}

// ConfirmPayment 消化外部金流的付款結果
// 重複送達是安全的：非 pending_payment 的訂單直接 no-op
// 成功時扣掉買家圈存、入帳賣家（扣除平台手續費），buy_now 商品補上 sold；
// 失敗時退回圈存，buy_now 商品重新開放
func (e *Engine) ConfirmPayment(ctx context.Context, orderID uuid.UUID, succeeded bool) error {
	const op = "Engine.ConfirmPayment"

	var (
		order models.Order
		sold  bool
	)
	err := e.withRetry(ctx, func(tx *gorm.DB) error {
		sold = false
		if result := lockForUpdate(tx).First(&order, "id = ?", orderID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("[%s] Fail to find order, err=%w", op, result.Error)
		}
		if order.Status != models.OrderStatusPendingPayment {
			return nil
		}

		var listing models.Listing
		if result := lockForUpdate(tx).First(&listing, "id = ?", order.ListingID); result.Error != nil {
			return fmt.Errorf("[%s] Fail to find listing, err=%w", op, result.Error)
		}

		if !succeeded {
			if result := tx.Model(&models.Order{}).Where("id = ?", order.ID).
				Update("status", models.OrderStatusFailed); result.Error != nil {
				return fmt.Errorf("[%s] Fail to mark order failed, err=%w", op, result.Error)
			}
			if err := releaseFunds(tx, order.BuyerID, order.Amount); err != nil {
				return fmt.Errorf("[%s] Fail to release buyer funds, err=%w", op, err)
			}
			// 直購付款失敗：解除保留，商品重新開放競標
			if order.Type == models.OrderTypeBuyNow && listing.Status == models.ListingStatusReserved {
				if result := tx.Model(&models.Listing{}).Where("id = ?", listing.ID).
					Update("status", models.ListingStatusActive); result.Error != nil {
					return fmt.Errorf("[%s] Fail to reopen listing, err=%w", op, result.Error)
				}
			}
			return nil
		}

		if result := tx.Model(&models.Order{}).Where("id = ?", order.ID).
			Update("status", models.OrderStatusPaid); result.Error != nil {
			return fmt.Errorf("[%s] Fail to mark order paid, err=%w", op, result.Error)
		}
		// 買家圈存轉為實付，賣家入帳扣除平台手續費
		if result := tx.Model(&models.User{}).Where("id = ?", order.BuyerID).
			Update("held_balance", gorm.Expr("held_balance - ?", order.Amount)); result.Error != nil {
			return fmt.Errorf("[%s] Fail to consume buyer hold, err=%w", op, result.Error)
		}
		fee := order.Amount * e.options.feeBps / 10000
		if result := tx.Model(&models.User{}).Where("id = ?", order.SellerID).
			Update("balance", gorm.Expr("balance + ?", order.Amount-fee)); result.Error != nil {
			return fmt.Errorf("[%s] Fail to credit seller, err=%w", op, result.Error)
		}

		if order.Type == models.OrderTypeBuyNow && listing.Status == models.ListingStatusReserved {
			if result := tx.Model(&models.Listing{}).Where("id = ?", listing.ID).Updates(map[string]any{
				"status":      models.ListingStatusSold,
				"winner_id":   order.BuyerID,
				"final_price": order.Amount,
			}); result.Error != nil {
				return fmt.Errorf("[%s] Fail to mark listing sold, err=%w", op, result.Error)
			}
			// 直購成交，場上未定案的出價全部以落標收場並退回領先者的圈存
			var leader models.Bid
			result := tx.Where("listing_id = ? AND status = ?", listing.ID, models.BidStatusActive).First(&leader)
			if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("[%s] Fail to find leader, err=%w", op, result.Error)
			}
			if result.Error == nil {
				if err := releaseFunds(tx, leader.BidderID, leader.Amount); err != nil {
					return fmt.Errorf("[%s] Fail to release leader funds, err=%w", op, err)
				}
			}
			if result := tx.Model(&models.Bid{}).
				Where("listing_id = ? AND status IN ?", listing.ID,
					[]models.BidStatus{models.BidStatusActive, models.BidStatusOutbid}).
				Update("status", models.BidStatusLost); result.Error != nil {
				return fmt.Errorf("[%s] Fail to mark losing bids, err=%w", op, result.Error)
			}
			sold = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if sold {
		e.publish(Event{
			Type:      EventAuctionEnded,
			ListingID: order.ListingID,
			At:        e.options.now(),
		})
	}
	e.logger.Info("payment confirmation processed",
		slog.String("orderID", orderID.String()),
		slog.Bool("succeeded", succeeded))
	return nil
}
