package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradegrid/internal/model"
)

// FillRow is the relational form of a fill.
type FillRow struct {
	ID            string `gorm:"primaryKey"`
	CreatedAt     time.Time
	OrderID       uint64
	CustomOrderID string `gorm:"index"`
	RobotID       string `gorm:"index"`
	Gateway       string
	Symbol        string
	Amount        string
	Price         float64
	Side          string
}

// TableName keeps the table name stable across gorm versions.
func (FillRow) TableName() string { return "fills" }

// Archive stores fills in PostgreSQL for offline analysis. It is optional;
// a nil Archive ignores all writes.
type Archive struct {
	db *gorm.DB
}

// OpenArchive connects to PostgreSQL and migrates the fills table. An empty
// DSN disables archiving.
func OpenArchive(dsn string) (*Archive, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open fills archive")
	}
	if err := db.AutoMigrate(&FillRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate fills archive")
	}
	return &Archive{db: db}, nil
}

// Save inserts one fill.
func (a *Archive) Save(info model.FilledInfo) error {
	if a == nil {
		return nil
	}
	row := FillRow{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		OrderID:       info.OrderID,
		CustomOrderID: info.CustomOrderID,
		RobotID:       info.RobotID,
		Gateway:       info.Gateway,
		Symbol:        info.Symbol,
		Amount:        info.Amount,
		Price:         info.Price,
		Side:          info.Side.String(),
	}
	if err := a.db.Create(&row).Error; err != nil {
		return errors.Wrap(err, "insert fill row").With("custom_order_id", info.CustomOrderID)
	}
	return nil
}

// RecentByRobot returns the latest fills for one robot, newest first.
func (a *Archive) RecentByRobot(robotID string, limit int) ([]FillRow, error) {
	if a == nil {
		return nil, nil
	}
	var rows []FillRow
	err := a.db.
		Where("robot_id = ?", robotID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query fills").With("robot_id", robotID)
	}
	return rows, nil
}
