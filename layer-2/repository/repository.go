package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-2/repository/models"
	"github.com/ahmadzakiakmal/foodtrace/trace"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const PgErrUniqueViolation = "23505"

// Repository error codes for the user directory
const (
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeConflict = "CONFLICT"
	ErrCodeDatabase = "DATABASE_ERROR"
)

// RepositoryError represents repository layer errors
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

// Repository handles all database operations of a trace node. It holds
// the user directory and can serve as the node's trace.Store.
type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

var (
	_ trace.Store         = (*Repository)(nil)
	_ trace.HistorySource = (*Repository)(nil)
)

// NewRepository creates a new repository instance
func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{logger: logger.With("module", "repository")}
}

// ConnectDB establishes a PostgreSQL connection and performs migrations
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		r.logger.Info("Database connection attempt", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
		if err != nil {
			lastErr = err
			r.logger.Error("Connection attempt failed", "attempt", i+1, "err", err)
			time.Sleep(2 * time.Second)
			continue
		}
		return r.UseDB(db)
	}
	return fmt.Errorf("failed to connect to database after 10 attempts: %w", lastErr)
}

// ConnectSQLite opens a single-node database file
func (r *Repository) ConnectSQLite(path string) error {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// sqlite allows one writer at a time
	sqlDB.SetMaxOpenConns(1)
	return r.UseDB(db)
}

// UseDB adopts an open gorm handle and migrates it.
func (r *Repository) UseDB(db *gorm.DB) error {
	r.db = db
	if err := r.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	r.logger.Info("Connected to database")
	return nil
}

// Migrate performs database schema migrations
func (r *Repository) Migrate() error {
	migrator := r.db.Migrator()
	tables := []any{
		&models.Batch{},
		&models.Movement{},
		&models.AppliedChangeSet{},
		&models.User{},
	}
	for _, table := range tables {
		if migrator.HasTable(table) {
			continue
		}
		if err := migrator.CreateTable(table); err != nil {
			return fmt.Errorf("failed to create table %T: %w", table, err)
		}
	}
	return nil
}

// Commit applies a change set in one database transaction. Each product
// must carry the stored version plus one (1 when new) and each movement
// the next free position in its batch log; anything else is a CONFLICT.
// A change set id seen before is acknowledged without writing.
func (r *Repository) Commit(ctx context.Context, cs trace.ChangeSet) error {
	if err := cs.Validate(); err != nil {
		return err
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var applied int64
		if err := tx.Model(&models.AppliedChangeSet{}).Where("change_set_id = ?", cs.ID).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			r.logger.Info("Change set already applied", "id", cs.ID)
			return nil
		}

		for _, p := range cs.Products {
			if err := writeBatch(tx, p); err != nil {
				return err
			}
		}

		next := make(map[string]int64)
		for _, m := range cs.Movements {
			want, ok := next[m.BatchNumber]
			if !ok {
				if err := tx.Model(&models.Movement{}).Where("batch_number = ?", m.BatchNumber).Count(&want).Error; err != nil {
					return err
				}
				if want == 0 {
					exists, err := batchExists(tx, m.BatchNumber)
					if err != nil {
						return err
					}
					if !exists {
						return trace.Conflict("movement for unknown batch %s", m.BatchNumber)
					}
				}
			}
			if m.Seq != want {
				return trace.Conflict("batch %s log has %d entries, movement carries seq %d", m.BatchNumber, want, m.Seq)
			}
			row := toMovementRow(m, cs.ID)
			if err := tx.Create(&row).Error; err != nil {
				if isUniqueViolation(err) {
					return trace.Conflict("batch %s seq %d already written", m.BatchNumber, m.Seq)
				}
				return err
			}
			next[m.BatchNumber] = want + 1
		}

		committedAt := cs.CommittedAt
		if committedAt.IsZero() {
			committedAt = time.Now().UTC()
		}
		record := models.AppliedChangeSet{ID: cs.ID, Origin: cs.Origin, CommittedAt: committedAt}
		if err := tx.Create(&record).Error; err != nil {
			if isUniqueViolation(err) {
				return trace.Conflict("change set %s applied concurrently", cs.ID)
			}
			return err
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if trace.CodeOf(err) != "" {
		return err
	}
	return trace.Connectivity(err, "committing change set %s", cs.ID)
}

// writeBatch inserts a new batch or advances an existing one by exactly
// one version. The version guard sits in the WHERE clause so concurrent
// writers of the same version cannot both win.
func writeBatch(tx *gorm.DB, p trace.Product) error {
	row := toBatchRow(p)
	if p.Version == 1 {
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return trace.Conflict("batch %s already exists", p.BatchNumber)
			}
			return err
		}
		return nil
	}

	res := tx.Model(&models.Batch{}).
		Where("batch_number = ? AND version = ?", p.BatchNumber, p.Version-1).
		Updates(map[string]any{
			"producer":        row.Producer,
			"farm_name":       row.FarmName,
			"location":        row.Location,
			"item_name":       row.ItemName,
			"quantity":        row.Quantity,
			"unit":            row.Unit,
			"production_date": row.ProductionDate,
			"expiry_date":     row.ExpiryDate,
			"status":          row.Status,
			"parent_batch":    row.ParentBatch,
			"seller":          row.Seller,
			"seller_label":    row.SellerLabel,
			"version":         row.Version,
			"updated_at":      row.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return trace.Conflict("batch %s is not at version %d", p.BatchNumber, p.Version-1)
	}
	return nil
}

func batchExists(tx *gorm.DB, batchNumber string) (bool, error) {
	var n int64
	if err := tx.Model(&models.Batch{}).Where("batch_number = ?", batchNumber).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// Load reads every batch and its ordered log.
func (r *Repository) Load(ctx context.Context) (trace.Snapshot, error) {
	var batches []models.Batch
	if err := r.db.WithContext(ctx).Order("batch_number").Find(&batches).Error; err != nil {
		return trace.Snapshot{}, trace.Connectivity(err, "loading batches")
	}
	var movements []models.Movement
	if err := r.db.WithContext(ctx).Order("batch_number, seq").Find(&movements).Error; err != nil {
		return trace.Snapshot{}, trace.Connectivity(err, "loading movements")
	}

	snap := trace.Snapshot{
		Products:  make([]trace.Product, 0, len(batches)),
		Movements: make(map[string][]trace.Movement, len(batches)),
	}
	for _, b := range batches {
		snap.Products = append(snap.Products, fromBatchRow(b))
	}
	for _, m := range movements {
		snap.Movements[m.BatchNumber] = append(snap.Movements[m.BatchNumber], fromMovementRow(m))
	}
	return snap, nil
}

// History returns one batch log in the four-array encoding.
func (r *Repository) History(ctx context.Context, batchNumber string) (trace.ParallelHistory, error) {
	var rows []models.Movement
	if err := r.db.WithContext(ctx).Where("batch_number = ?", batchNumber).Order("seq").Find(&rows).Error; err != nil {
		return trace.ParallelHistory{}, trace.Connectivity(err, "loading history of %s", batchNumber)
	}
	if len(rows) == 0 {
		return trace.ParallelHistory{}, trace.NotFound(batchNumber)
	}
	log := make([]trace.Movement, 0, len(rows))
	for _, row := range rows {
		log = append(log, fromMovementRow(row))
	}
	return trace.EncodeHistory(log), nil
}

// CreateUser stores a new user. The phone number must be unused.
func (r *Repository) CreateUser(ctx context.Context, user *models.User) *RepositoryError {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return &RepositoryError{
				Code:    ErrCodeConflict,
				Message: "Phone number already registered",
				Detail:  user.PhoneNumber,
			}
		}
		return &RepositoryError{Code: ErrCodeDatabase, Message: "Failed to create user", Detail: err.Error()}
	}
	return nil
}

// GetUserByPhone retrieves a user by phone number
func (r *Repository) GetUserByPhone(ctx context.Context, phoneNumber string) (*models.User, *RepositoryError) {
	var user models.User
	err := r.db.WithContext(ctx).Where("phone_number = ?", phoneNumber).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "User not found",
				Detail:  fmt.Sprintf("No user with phone number %s", phoneNumber),
			}
		}
		return nil, &RepositoryError{Code: ErrCodeDatabase, Message: "Database error", Detail: err.Error()}
	}
	return &user, nil
}

// CountUsers reports how many users are registered
func (r *Repository) CountUsers(ctx context.Context) (int64, *RepositoryError) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.User{}).Count(&n).Error; err != nil {
		return 0, &RepositoryError{Code: ErrCodeDatabase, Message: "Failed to count users", Detail: err.Error()}
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == PgErrUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toBatchRow(p trace.Product) models.Batch {
	row := models.Batch{
		BatchNumber:    p.BatchNumber,
		Producer:       p.Producer,
		FarmName:       p.FarmName,
		Location:       p.Location,
		ItemName:       p.ItemName,
		Quantity:       p.Quantity,
		Unit:           p.Unit,
		ProductionDate: p.ProductionDate,
		ExpiryDate:     p.ExpiryDate,
		Status:         string(p.Status),
		Seller:         p.Seller,
		SellerLabel:    p.SellerLabel,
		Version:        p.Version,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.ParentBatch != "" {
		parent := p.ParentBatch
		row.ParentBatch = &parent
	}
	return row
}

func fromBatchRow(row models.Batch) trace.Product {
	p := trace.Product{
		BatchNumber:    row.BatchNumber,
		Producer:       row.Producer,
		FarmName:       row.FarmName,
		Location:       row.Location,
		ItemName:       row.ItemName,
		Quantity:       row.Quantity,
		Unit:           row.Unit,
		ProductionDate: row.ProductionDate.UTC(),
		ExpiryDate:     row.ExpiryDate.UTC(),
		Status:         trace.Status(row.Status),
		Seller:         row.Seller,
		SellerLabel:    row.SellerLabel,
		Version:        row.Version,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if row.ParentBatch != nil {
		p.ParentBatch = *row.ParentBatch
	}
	return p
}

func toMovementRow(m trace.Movement, changeSetID string) models.Movement {
	row := models.Movement{
		BatchNumber: m.BatchNumber,
		Seq:         m.Seq,
		Action:      string(m.Action),
		Actor:       m.Actor,
		Location:    m.Location,
		Outcome:     string(m.Outcome),
		Seller:      m.Seller,
		Timestamp:   m.Timestamp,
		ChangeSetID: changeSetID,
	}
	if m.ChildBatch != "" {
		child := m.ChildBatch
		row.ChildBatch = &child
	}
	return row
}

func fromMovementRow(row models.Movement) trace.Movement {
	m := trace.Movement{
		BatchNumber: row.BatchNumber,
		Seq:         row.Seq,
		Action:      trace.Action(row.Action),
		Actor:       row.Actor,
		Location:    row.Location,
		Outcome:     trace.Outcome(row.Outcome),
		Seller:      row.Seller,
		Timestamp:   row.Timestamp.UTC(),
	}
	if row.ChildBatch != nil {
		m.ChildBatch = *row.ChildBatch
	}
	return m
}
