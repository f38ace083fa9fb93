package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Batch is the current state of one product batch held by the trace node
type Batch struct {
	BatchNumber    string          `gorm:"column:batch_number;primaryKey;type:varchar(50)"`
	Producer       string          `gorm:"column:producer;type:varchar(100);not null"`
	FarmName       string          `gorm:"column:farm_name;type:varchar(200)"`
	Location       string          `gorm:"column:location;type:varchar(200)"`
	ItemName       string          `gorm:"column:item_name;type:varchar(200);index"`
	Quantity       decimal.Decimal `gorm:"column:quantity;type:numeric(20,6);not null"`
	Unit           string          `gorm:"column:unit;type:varchar(20)"`
	ProductionDate time.Time       `gorm:"column:production_date"`
	ExpiryDate     time.Time       `gorm:"column:expiry_date"`
	Status         string          `gorm:"column:status;type:varchar(20);index;not null"`
	ParentBatch    *string         `gorm:"column:parent_batch;type:varchar(50);index"`
	Seller         string          `gorm:"column:seller;type:varchar(100)"`
	SellerLabel    string          `gorm:"column:seller_label;type:varchar(200)"`
	Version        int64           `gorm:"column:version;not null"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

// Movement is one entry of a batch log. (batch_number, seq) is unique, so
// two writers racing for the same position cannot both succeed.
type Movement struct {
	BatchNumber string    `gorm:"column:batch_number;primaryKey;type:varchar(50)"`
	Seq         int64     `gorm:"column:seq;primaryKey"`
	Action      string    `gorm:"column:action;type:varchar(30);not null"`
	Actor       string    `gorm:"column:actor;type:varchar(100);not null"`
	Location    string    `gorm:"column:location;type:varchar(200)"`
	Outcome     string    `gorm:"column:outcome;type:varchar(10)"`
	ChildBatch  *string   `gorm:"column:child_batch;type:varchar(50)"`
	Seller      string    `gorm:"column:seller;type:varchar(100)"`
	Timestamp   time.Time `gorm:"column:timestamp;not null"`
	ChangeSetID string    `gorm:"column:change_set_id;type:varchar(64);index"`
}

// AppliedChangeSet records change set ids already written, which makes a
// retried commit a no-op
type AppliedChangeSet struct {
	ID          string    `gorm:"column:change_set_id;primaryKey;type:varchar(64)"`
	Origin      string    `gorm:"column:origin;type:varchar(100)"`
	CommittedAt time.Time `gorm:"column:committed_at;not null"`
}

// User is a registered participant of the supply chain
type User struct {
	ID           string    `gorm:"column:user_id;primaryKey;type:varchar(50)"`
	Name         string    `gorm:"column:name;type:varchar(100);not null"`
	PhoneNumber  string    `gorm:"column:phone_number;type:varchar(30);uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;type:varchar(100);not null"`
	Role         string    `gorm:"column:role;type:varchar(30);not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}
