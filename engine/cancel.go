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

// CancelBid 撤回一筆領先中的出價並遞補次高出價
// 只有出價本人可以撤回，而且只有 active 狀態的出價可以撤回；
// 遞補只考慮 outbid 狀態的出價，撤回過的出價不會再被拉回來
func (e *Engine) CancelBid(ctx context.Context, bidID, requesterID uuid.UUID) error {
	const op = "Engine.CancelBid"

	return e.withRetry(ctx, func(tx *gorm.DB) error {
		// 先讀一次拿 listingID，鎖定順序與 PlaceBid 一致：商品先、出價後
		var bid models.Bid
		if result := tx.First(&bid, "id = ?", bidID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrBidNotFound
			}
			return fmt.Errorf("[%s] Fail to find bid, err=%w", op, result.Error)
		}
		if bid.BidderID != requesterID {
			return ErrUnauthorized
		}

		var listing models.Listing
		if result := lockForUpdate(tx).First(&listing, "id = ?", bid.ListingID); result.Error != nil {
			return fmt.Errorf("[%s] Fail to find listing, err=%w", op, result.Error)
		}
		if listing.Status != models.ListingStatusActive {
			return ErrAuctionClosed
		}

		// 拿到商品鎖之後重新確認出價狀態
		if result := lockForUpdate(tx).First(&bid, "id = ?", bidID); result.Error != nil {
			return fmt.Errorf("[%s] Fail to reload bid, err=%w", op, result.Error)
		}
		if bid.Status != models.BidStatusActive {
			return ErrAlreadyProcessed
		}

		// 防禦性檢查：active 出價必然是領先者，不該存在更高的 active 出價
		var higher int64
		if result := tx.Model(&models.Bid{}).
			Where("listing_id = ? AND status = ? AND amount > ?", bid.ListingID, models.BidStatusActive, bid.Amount).
			Count(&higher); result.Error != nil {
			return fmt.Errorf("[%s] Fail to check leader invariant, err=%w", op, result.Error)
		}
		if higher > 0 {
			return fmt.Errorf("[%s] leader invariant violated for listing %s", op, bid.ListingID)
		}

		if result := tx.Model(&models.Bid{}).Where("id = ?", bid.ID).
			Update("status", models.BidStatusCancelled); result.Error != nil {
			return fmt.Errorf("[%s] Fail to cancel bid, err=%w", op, result.Error)
		}
		if err := releaseFunds(tx, bid.BidderID, bid.Amount); err != nil {
			return fmt.Errorf("[%s] Fail to release cancelled funds, err=%w", op, err)
		}

		// 在 outbid 出價中找金額最高的遞補
		var next models.Bid
		result := tx.Where("listing_id = ? AND status = ?", bid.ListingID, models.BidStatusOutbid).
			Order("amount DESC").First(&next)
		if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("[%s] Fail to find promotion candidate, err=%w", op, result.Error)
		}

		if result.Error == nil {
			// 遞補為新的領先出價並重新圈存其資金
			if result := tx.Model(&models.Bid{}).Where("id = ?", next.ID).
				Update("status", models.BidStatusActive); result.Error != nil {
				return fmt.Errorf("[%s] Fail to promote bid, err=%w", op, result.Error)
			}
			if err := holdFunds(tx, next.BidderID, next.Amount); err != nil {
				return fmt.Errorf("[%s] Fail to hold promoted funds, err=%w", op, err)
			}
			if result := tx.Model(&models.Listing{}).Where("id = ?", listing.ID).
				Update("current_price", next.Amount); result.Error != nil {
				return fmt.Errorf("[%s] Fail to update listing price, err=%w", op, result.Error)
			}
			e.logger.Info("bid cancelled, next highest promoted",
				slog.String("listingID", listing.ID.String()),
				slog.String("promotedBid", next.ID.String()),
				slog.Int64("currentPrice", next.Amount))
			return nil
		}

		// 沒有可遞補的出價：回到起標價
		if result := tx.Model(&models.Listing{}).Where("id = ?", listing.ID).Updates(map[string]any{
			"current_price": listing.StartingPrice,
			"total_bids":    gorm.Expr("total_bids - 1"),
		}); result.Error != nil {
			return fmt.Errorf("[%s] Fail to reset listing price, err=%w", op, result.Error)
		}
		e.logger.Info("bid cancelled, price reset to starting price",
			slog.String("listingID", listing.ID.String()),
			slog.Int64("currentPrice", listing.StartingPrice))
		return nil
	})
}
