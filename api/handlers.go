package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"gavel/engine"
)

const (
	contextKeyUserID = "userID"
	contextKeyRole   = "role"
	// RoleOperator 可以手動觸發結算
	RoleOperator = "operator"
)

type errorResponse struct {
	Message string `json:"message"`
	// Minimum 只在出價金額不足時回傳，是下一個有效出價的最低金額
	Minimum *int64 `json:"minimum,omitempty"`
}

type placeBidRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

type buyNowRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// RegisterRoutes 把所有路由掛到router上
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	auction := router.Group("/auction")
	{
		auction.GET("/listing/:listingID", impl.GetListing)
		auction.GET("/listing/:listingID/events", impl.StreamListingEvents)
		auction.POST("/listing/:listingID/bids", impl.requireAuth, impl.PlaceBid)
		auction.POST("/listing/:listingID/buy-now", impl.requireAuth, impl.BuyNow)
		auction.POST("/listing/:listingID/settle", impl.requireAuth, impl.requireOperator, impl.SettleListing)
		auction.DELETE("/bid/:bidID", impl.requireAuth, impl.CancelBid)
	}
	router.POST("/payment/callback", impl.PaymentCallback)
}

// requireAuth 驗證access token並把使用者身分放進context
func (impl *ServerImpl) requireAuth(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "missing access token"})
		return
	}
	claims, err := ParseAndValidateJWT(token, impl.config.Auth.PrivateKey)
	if err != nil {
		slog.Error("Fail to parse and validate JWT", slog.Any("error", err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "invalid access token"})
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "invalid subject"})
		return
	}
	c.Set(contextKeyUserID, userID)
	c.Set(contextKeyRole, claims.Role)
	c.Next()
}

func (impl *ServerImpl) requireOperator(c *gin.Context) {
	if c.GetString(contextKeyRole) != RoleOperator {
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Message: "operator role required"})
		return
	}
	c.Next()
}

func currentUserID(c *gin.Context) uuid.UUID {
	return c.MustGet(contextKeyUserID).(uuid.UUID)
}

// respondError 把引擎的錯誤taxonomy對應到HTTP狀態碼
func respondError(c *gin.Context, err error) {
	var tooLow *engine.BidTooLowError
	switch {
	case errors.As(err, &tooLow):
		c.JSON(http.StatusBadRequest, errorResponse{
			Message: err.Error(),
			Minimum: lo.ToPtr(tooLow.Minimum),
		})
	case errors.Is(err, engine.ErrListingNotFound),
		errors.Is(err, engine.ErrBidNotFound),
		errors.Is(err, engine.ErrOrderNotFound),
		errors.Is(err, engine.ErrBidderNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Message: err.Error()})
	case errors.Is(err, engine.ErrAuctionClosed):
		c.JSON(http.StatusGone, errorResponse{Message: err.Error()})
	case errors.Is(err, engine.ErrSelfBidForbidden),
		errors.Is(err, engine.ErrUnauthorized):
		c.JSON(http.StatusForbidden, errorResponse{Message: err.Error()})
	case errors.Is(err, engine.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, errorResponse{Message: err.Error()})
	case errors.Is(err, engine.ErrUseBuyNowInstead),
		errors.Is(err, engine.ErrBuyNowUnavailable),
		errors.Is(err, engine.ErrAlreadyProcessed),
		errors.Is(err, engine.ErrContention):
		c.JSON(http.StatusConflict, errorResponse{Message: err.Error()})
	default:
		slog.Error("Unhandled engine error", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "internal error"})
	}
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// Place a bid on a listing
// (POST /auction/listing/{listingID}/bids)
func (impl *ServerImpl) PlaceBid(c *gin.Context) {
	listingID, ok := parseUUIDParam(c, "listingID")
	if !ok {
		return
	}
	var request placeBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}

	bid, err := impl.auctionEngine.PlaceBid(c.Request.Context(), listingID, currentUserID(c), request.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        bid.ID,
		"listingId": bid.ListingID,
		"amount":    bid.Amount,
		"status":    bid.Status,
		"placedAt":  bid.PlacedAt,
	})
}

// Cancel a leading bid
// (DELETE /auction/bid/{bidID})
func (impl *ServerImpl) CancelBid(c *gin.Context) {
	bidID, ok := parseUUIDParam(c, "bidID")
	if !ok {
		return
	}
	if err := impl.auctionEngine.CancelBid(c.Request.Context(), bidID, currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Buy a listing at its buy-now price
// (POST /auction/listing/{listingID}/buy-now)
func (impl *ServerImpl) BuyNow(c *gin.Context) {
	listingID, ok := parseUUIDParam(c, "listingID")
	if !ok {
		return
	}
	var request buyNowRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}

	order, err := impl.auctionEngine.BuyNow(c.Request.Context(), listingID, currentUserID(c), request.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        order.ID,
		"listingId": order.ListingID,
		"amount":    order.Amount,
		"type":      order.Type,
		"status":    order.Status,
	})
}

// Manually settle a listing
// (POST /auction/listing/{listingID}/settle)
func (impl *ServerImpl) SettleListing(c *gin.Context) {
	listingID, ok := parseUUIDParam(c, "listingID")
	if !ok {
		return
	}
	outcome, err := impl.auctionEngine.SettleListing(c.Request.Context(), listingID)
	if err != nil {
		respondError(c, err)
		return
	}
	response := gin.H{
		"settled": outcome.Settled,
		"status":  outcome.Status,
	}
	if outcome.Order != nil {
		response["orderId"] = outcome.Order.ID
	}
	if outcome.WinningBid != nil {
		response["winnerId"] = outcome.WinningBid.BidderID
		response["finalPrice"] = outcome.WinningBid.Amount
	}
	c.JSON(http.StatusOK, response)
}

// Get listing snapshot
// (GET /auction/listing/{listingID})
func (impl *ServerImpl) GetListing(c *gin.Context) {
	listingID, ok := parseUUIDParam(c, "listingID")
	if !ok {
		return
	}
	listing, err := impl.auctionEngine.GetListing(c.Request.Context(), listingID)
	if err != nil {
		respondError(c, err)
		return
	}
	leader, err := impl.auctionEngine.CurrentLeader(c.Request.Context(), listingID)
	if err != nil {
		respondError(c, err)
		return
	}

	response := gin.H{
		"id":                listing.ID,
		"title":             listing.Title,
		"status":            listing.Status,
		"startingPrice":     listing.StartingPrice,
		"currentPrice":      listing.CurrentPrice,
		"incrementAmount":   listing.IncrementAmount,
		"minimumBid":        listing.MinimumBid(),
		"buyNowPrice":       listing.BuyNowPrice,
		"endAt":             listing.EndAt,
		"totalBids":         listing.TotalBids,
		"uniqueBidderCount": listing.UniqueBidderCount,
		"winnerId":          listing.WinnerID,
		"finalPrice":        listing.FinalPrice,
	}
	if leader != nil {
		response["leader"] = gin.H{
			"bidder": leader.Bidder.Username,
			"amount": leader.Amount,
		}
	}
	c.JSON(http.StatusOK, response)
}

// Stream listing lifecycle events over SSE
// (GET /auction/listing/{listingID}/events)
func (impl *ServerImpl) StreamListingEvents(c *gin.Context) {
	listingID, ok := parseUUIDParam(c, "listingID")
	if !ok {
		return
	}
	if impl.hub == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "event stream not ready"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	err := impl.hub.ServeSubscription(c.Request.Context(), listingID.String(), func(event engine.Event) error {
		c.SSEvent(string(event.Type), event)
		c.Writer.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("sse subscription ended", slog.Any("error", err))
	}
}

// Receive payment result from the payment provider
// (POST /payment/callback)
func (impl *ServerImpl) PaymentCallback(c *gin.Context) {
	var result PaymentResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}
	if _, err := uuid.Parse(result.OrderID); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid order id"})
		return
	}
	if result.Status != "success" && result.Status != "failed" {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid status"})
		return
	}

	// 進stream就算收到，實際的訂單推進由worker非同步處理
	if err := impl.payments.Publish(result); err != nil {
		slog.Error("Fail to enqueue payment result", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "payment intake unavailable"})
		return
	}
	c.Status(http.StatusAccepted)
}
