package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommitRecord is one change set accepted by consensus
type CommitRecord struct {
	ChangeSetID string    `gorm:"column:change_set_id;primaryKey;type:varchar(64)" json:"change_set_id"`
	Origin      string    `gorm:"column:origin;type:varchar(100);index" json:"origin"`
	TxHash      string    `gorm:"column:tx_hash;type:varchar(66);index" json:"tx_hash"`
	BlockHeight int64     `gorm:"column:block_height;not null" json:"block_height"`
	Products    int       `gorm:"column:products" json:"products"`
	Movements   int       `gorm:"column:movements" json:"movements"`
	Payload     string    `gorm:"column:payload;type:text" json:"-"`
	Status      string    `gorm:"column:status;type:varchar(20);default:'confirmed'" json:"status"`
	CommittedAt time.Time `gorm:"column:committed_at;not null" json:"committed_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// Product mirrors the current state of a batch on the ledger
type Product struct {
	BatchNumber    string          `gorm:"column:batch_number;primaryKey;type:varchar(50)" json:"batch_number"`
	Producer       string          `gorm:"column:producer;type:varchar(100);not null" json:"producer"`
	FarmName       string          `gorm:"column:farm_name;type:varchar(200)" json:"farm_name"`
	Location       string          `gorm:"column:location;type:varchar(200)" json:"location"`
	ItemName       string          `gorm:"column:item_name;type:varchar(200);index" json:"item_name"`
	Quantity       decimal.Decimal `gorm:"column:quantity;type:numeric(20,6);not null" json:"quantity"`
	Unit           string          `gorm:"column:unit;type:varchar(20)" json:"unit"`
	ProductionDate time.Time       `gorm:"column:production_date" json:"production_date"`
	ExpiryDate     time.Time       `gorm:"column:expiry_date" json:"expiry_date"`
	Status         string          `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	ParentBatch    *string         `gorm:"column:parent_batch;type:varchar(50);index" json:"parent_batch,omitempty"`
	Seller         string          `gorm:"column:seller;type:varchar(100)" json:"seller,omitempty"`
	SellerLabel    string          `gorm:"column:seller_label;type:varchar(200)" json:"seller_label,omitempty"`
	Version        int64           `gorm:"column:version;not null" json:"version"`
	LastChangeSet  string          `gorm:"column:last_change_set;type:varchar(64)" json:"last_change_set"`
	UpdatedAt      time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

// Movement mirrors one ledger movement
type Movement struct {
	BatchNumber string    `gorm:"column:batch_number;primaryKey;type:varchar(50)" json:"batch_number"`
	Seq         int64     `gorm:"column:seq;primaryKey" json:"seq"`
	Action      string    `gorm:"column:action;type:varchar(30);not null" json:"action"`
	Actor       string    `gorm:"column:actor;type:varchar(100);not null" json:"actor"`
	Location    string    `gorm:"column:location;type:varchar(200)" json:"location"`
	Outcome     string    `gorm:"column:outcome;type:varchar(10)" json:"outcome,omitempty"`
	ChildBatch  *string   `gorm:"column:child_batch;type:varchar(50)" json:"child_batch,omitempty"`
	Seller      string    `gorm:"column:seller;type:varchar(100)" json:"seller,omitempty"`
	Timestamp   time.Time `gorm:"column:timestamp;not null" json:"timestamp"`
	ChangeSetID string    `gorm:"column:change_set_id;type:varchar(64);index" json:"change_set_id"`
}
