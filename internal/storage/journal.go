package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"tradegrid/internal/model"
)

// JournalRecord is one fill appended to the journal file.
type JournalRecord struct {
	RecordID      string  `json:"record_id"`
	Timestamp     int64   `json:"timestamp"`
	OrderID       uint64  `json:"order_id"`
	CustomOrderID string  `json:"custom_order_id"`
	RobotID       string  `json:"robot_id"`
	Gateway       string  `json:"gateway"`
	Symbol        string  `json:"symbol"`
	Amount        string  `json:"amount"`
	Price         float64 `json:"price"`
	Side          string  `json:"side"`
}

// Journal appends fills as JSON lines to a size-rotated file. It gives
// operators a greppable trade log independent of the binary snapshot.
type Journal struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewJournal opens a journal backed by the given file path.
func NewJournal(path string) *Journal {
	if path == "" {
		return nil
	}
	return &Journal{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    64, // megabytes
			MaxBackups: 8,
			MaxAge:     30, // days
			Compress:   true,
		},
	}
}

// Append writes one fill to the journal.
func (j *Journal) Append(info model.FilledInfo) error {
	if j == nil {
		return nil
	}
	rec := JournalRecord{
		RecordID:      uuid.NewString(),
		Timestamp:     time.Now().UTC().UnixNano(),
		OrderID:       info.OrderID,
		CustomOrderID: info.CustomOrderID,
		RobotID:       info.RobotID,
		Gateway:       info.Gateway,
		Symbol:        info.Symbol,
		Amount:        info.Amount,
		Price:         info.Price,
		Side:          info.Side.String(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal journal record")
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.out.Write(line); err != nil {
		return errors.Wrap(err, "write journal record")
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.out.Close()
}
