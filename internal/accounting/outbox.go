package accounting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/go-sql-driver/mysql"
)

// outboxRecord is the durable-spillover row schema: every record the sink
// could not immediately accept is persisted here and retried, so a
// restart of the accounting daemon never silently loses shares.
type outboxRecord struct {
	ID        int64 `gorm:"primary_key"`
	Kind      string `gorm:"index"`
	SeqKind   int64
	SeqAll    int64 `gorm:"index"`
	Payload   string `gorm:"type:text"`
	CreatedAt time.Time
	Delivered bool `gorm:"index"`
}

func (outboxRecord) TableName() string { return "accounting_outbox" }

// Outbox is a MySQL-backed durable queue, a fallback path for accounting
// records the live Bridge connection could not deliver.
type Outbox struct {
	db *gorm.DB
}

// NewOutbox opens a MySQL connection via the go-sql-driver/mysql dialect
// and migrates the outbox table.
func NewOutbox(dsn string) (*Outbox, error) {
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("accounting: open mysql outbox: %w", err)
	}
	if err := db.AutoMigrate(&outboxRecord{}).Error; err != nil {
		return nil, fmt.Errorf("accounting: migrate outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Spill persists a record that Emit could not deliver.
func (o *Outbox) Spill(kind Kind, seqKind, seqAll int64, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("accounting: marshal outbox payload: %w", err)
	}
	rec := outboxRecord{
		Kind:      string(kind),
		SeqKind:   seqKind,
		SeqAll:    seqAll,
		Payload:   string(body),
		CreatedAt: time.Now(),
	}
	return o.db.Create(&rec).Error
}

// Pending returns up to limit undelivered records, oldest first, for a
// retry sweep.
func (o *Outbox) Pending(limit int) ([]outboxRecord, error) {
	var recs []outboxRecord
	err := o.db.Where("delivered = ?", false).Order("seq_all asc").Limit(limit).Find(&recs).Error
	return recs, err
}

// MarkDelivered flags a record as successfully retried.
func (o *Outbox) MarkDelivered(id int64) error {
	return o.db.Model(&outboxRecord{}).Where("id = ?", id).Update("delivered", true).Error
}

// Close releases the underlying database handle.
func (o *Outbox) Close() error {
	return o.db.Close()
}
