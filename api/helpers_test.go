package api

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gavel/adapters/sse"
	"gavel/engine"
	"gavel/models"
)

func init() {
	gin.SetMode(gin.TestMode)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var testDBSeq atomic.Int64

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:api_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Listing{}, &models.Bid{}, &models.Order{}))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// capturePublisher 收集付款結果供斷言使用
type capturePublisher struct {
	results []PaymentResult
	err     error
}

func (p *capturePublisher) Publish(result PaymentResult) error {
	if p.err != nil {
		return p.err
	}
	p.results = append(p.results, result)
	return nil
}

type testServer struct {
	impl     *ServerImpl
	router   *gin.Engine
	db       *gorm.DB
	key      ed25519.PrivateKey
	payments *capturePublisher
	events   chan engine.Event
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	db := setupDB(t)
	auctionEngine, err := engine.NewEngine(db,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	events := make(chan engine.Event)
	hub, err := sse.NewHub(events, func(event engine.Event) string {
		return event.ListingID.String()
	})
	require.NoError(t, err)
	hub.Start()
	t.Cleanup(func() {
		close(events)
		hub.Close()
	})

	payments := &capturePublisher{}
	impl := &ServerImpl{
		db:            db,
		auctionEngine: auctionEngine,
		hub:           hub,
		payments:      payments,
		config: ServerConfig{
			Auth: AuthConfig{PrivateKey: key},
		},
	}

	router := gin.New()
	impl.RegisterRoutes(router)
	return &testServer{
		impl:     impl,
		router:   router,
		db:       db,
		key:      key,
		payments: payments,
		events:   events,
	}
}

func (s *testServer) signToken(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, &JWT{
		Username: "tester",
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func (s *testServer) seedUser(t *testing.T, username string, balance int64) *models.User {
	t.Helper()
	user := &models.User{Username: username, Balance: balance}
	require.NoError(t, s.db.Create(user).Error)
	return user
}

func (s *testServer) seedListing(t *testing.T, sellerID uuid.UUID, starting, increment int64, mods ...func(*models.Listing)) *models.Listing {
	t.Helper()
	listing := &models.Listing{
		SellerID:        sellerID,
		Title:           "vintage camera",
		StartingPrice:   starting,
		CurrentPrice:    starting,
		IncrementAmount: increment,
		EndAt:           time.Now().Add(time.Hour),
		Status:          models.ListingStatusActive,
	}
	for _, mod := range mods {
		mod(listing)
	}
	require.NoError(t, s.db.Create(listing).Error)
	return listing
}
