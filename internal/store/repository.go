// Package store projects journaled events into a postgres read model and
// loads market definitions back for bootstrap. The outbox stays the source
// of truth; the read model may lag it.
package store

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists read-model rows.
type Repository interface {
	SaveMarket(ctx context.Context, row MarketRow) error
	UpdatePrices(ctx context.Context, marketID string, q, probabilities []float64, at time.Time) error
	SetHalted(ctx context.Context, marketID string, halted bool, at time.Time) error
	SaveTrade(ctx context.Context, row TradeRow) error
	SaveHedge(ctx context.Context, row HedgeRow) error
	Markets(ctx context.Context) ([]MarketRow, error)
}

// Postgres is the gorm implementation of Repository.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres wraps an opened gorm connection.
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates or updates the read-model tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	if err := p.db.WithContext(ctx).AutoMigrate(&MarketRow{}, &TradeRow{}, &HedgeRow{}); err != nil {
		return errors.Wrap(err, "migrate read model")
	}
	return nil
}

// SaveMarket upserts a market definition. The halted flag is owned by
// SetHalted and left untouched on conflict.
func (p *Postgres) SaveMarket(ctx context.Context, row MarketRow) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"group_id", "type", "b", "q", "probabilities", "outcomes", "status", "winner", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "save market %s", row.ID)
	}
	return nil
}

func (p *Postgres) UpdatePrices(ctx context.Context, marketID string, q, probabilities []float64, at time.Time) error {
	err := p.db.WithContext(ctx).
		Model(&MarketRow{ID: marketID}).
		Select("q", "probabilities", "updated_at").
		Updates(MarketRow{Q: q, Probabilities: probabilities, UpdatedAt: at}).Error
	if err != nil {
		return errors.Wrapf(err, "update prices of market %s", marketID)
	}
	return nil
}

func (p *Postgres) SetHalted(ctx context.Context, marketID string, halted bool, at time.Time) error {
	err := p.db.WithContext(ctx).
		Model(&MarketRow{ID: marketID}).
		Select("halted", "updated_at").
		Updates(MarketRow{Halted: halted, UpdatedAt: at}).Error
	if err != nil {
		return errors.Wrapf(err, "set halted of market %s", marketID)
	}
	return nil
}

// SaveTrade inserts a trade once; redelivered events are ignored.
func (p *Postgres) SaveTrade(ctx context.Context, row TradeRow) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "save trade %s", row.TradeID)
	}
	return nil
}

// SaveHedge upserts the hedge of a trade unless the stored row is newer.
func (p *Postgres) SaveHedge(ctx context.Context, row HedgeRow) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "trade_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_order_id", "status", "reason", "attempts",
			"hedge_price", "fee", "spread", "net_profit", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "amm_hedges.updated_at <= excluded.updated_at"},
		}},
	}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "save hedge %s", row.TradeID)
	}
	return nil
}

// Markets returns every stored market ordered by id.
func (p *Postgres) Markets(ctx context.Context) ([]MarketRow, error) {
	var rows []MarketRow
	if err := p.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load markets")
	}
	return rows, nil
}
