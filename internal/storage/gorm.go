package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

// TokenModel is the SQL row behind GormStore.
type TokenModel struct {
	ID           uint   `gorm:"primaryKey"`
	Profile      string `gorm:"size:64;not null;uniqueIndex:idx_doudian_tokens_profile_shop"`
	ShopID       string `gorm:"size:64;not null;uniqueIndex:idx_doudian_tokens_profile_shop"`
	ShopName     string `gorm:"size:255"`
	Scope        string `gorm:"type:text"`
	AccessToken  string `gorm:"type:text;not null"`
	RefreshToken string `gorm:"type:text"`
	ExpiresIn    int64
	ExpiresAt    int64 `gorm:"index"`
	AuthorizedAt int64
	RefreshedAt  int64
	// secret-free copy of the summary, read by List
	Summary   datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the default table name.
func (TokenModel) TableName() string {
	return "doudian_tokens"
}

func (m *TokenModel) record() *doudian.TokenRecord {
	return &doudian.TokenRecord{
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		ExpiresIn:    m.ExpiresIn,
		ExpiresAt:    m.ExpiresAt,
		ShopID:       m.ShopID,
		ShopName:     m.ShopName,
		Scope:        m.Scope,
		CreatedAt:    m.AuthorizedAt,
		UpdatedAt:    m.RefreshedAt,
	}
}

// GormStore persists records in a SQL database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewGormStore creates a store over an open gorm connection.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (g *GormStore) WithClock(now func() time.Time) *GormStore {
	g.now = now
	return g
}

// Migrate creates or updates the tokens table.
func (g *GormStore) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(&TokenModel{})
}

func (g *GormStore) Store(ctx context.Context, key doudian.TokenKey, rec *doudian.TokenRecord) error {
	if rec == nil {
		return ErrNilRecord
	}
	if err := validateKey(key); err != nil {
		return err
	}

	summary, err := json.Marshal(rec.Summary(g.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal shop summary: %w", err)
	}
	row := TokenModel{
		Profile:      normalizeProfile(key.Profile),
		ShopID:       key.ShopID,
		ShopName:     rec.ShopName,
		Scope:        rec.Scope,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresIn:    rec.ExpiresIn,
		ExpiresAt:    rec.ExpiresAt,
		AuthorizedAt: rec.CreatedAt,
		RefreshedAt:  rec.UpdatedAt,
		Summary:      datatypes.JSON(summary),
	}

	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "profile"}, {Name: "shop_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"shop_name", "scope", "access_token", "refresh_token",
			"expires_in", "expires_at", "authorized_at", "refreshed_at",
			"summary", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert token: %w", err)
	}
	return nil
}

func (g *GormStore) Get(ctx context.Context, key doudian.TokenKey) (*doudian.TokenRecord, error) {
	var row TokenModel
	err := g.db.WithContext(ctx).
		Where("profile = ? AND shop_id = ?", normalizeProfile(key.Profile), key.ShopID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return row.record(), nil
}

func (g *GormStore) Delete(ctx context.Context, key doudian.TokenKey) (bool, error) {
	res := g.db.WithContext(ctx).
		Where("profile = ? AND shop_id = ?", normalizeProfile(key.Profile), key.ShopID).
		Delete(&TokenModel{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete token: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// List reads only the summary column, so tokens never leave the database.
func (g *GormStore) List(ctx context.Context, profile string) (map[string]doudian.ShopSummary, error) {
	var rows []TokenModel
	err := g.db.WithContext(ctx).
		Select("shop_id", "summary").
		Where("profile = ?", normalizeProfile(profile)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	now := g.now()
	out := make(map[string]doudian.ShopSummary, len(rows))
	for _, row := range rows {
		var sum doudian.ShopSummary
		if err := json.Unmarshal(row.Summary, &sum); err != nil {
			g.logger.Warn("discarding unreadable shop summary",
				zap.String("shop_id", row.ShopID),
				zap.Error(err),
			)
			continue
		}
		out[row.ShopID] = sum.WithExpiry(now)
	}
	return out, nil
}

func (g *GormStore) Exists(ctx context.Context, key doudian.TokenKey) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&TokenModel{}).
		Where("profile = ? AND shop_id = ?", normalizeProfile(key.Profile), key.ShopID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check token existence: %w", err)
	}
	return count > 0, nil
}
