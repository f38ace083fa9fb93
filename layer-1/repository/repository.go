package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-1/app"
	"github.com/ahmadzakiakmal/foodtrace/layer-1/repository/models"
	"github.com/ahmadzakiakmal/foodtrace/trace"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgreSQL error codes
const (
	PgErrForeignKeyViolation = "23503"
	PgErrUniqueViolation     = "23505"
)

// Repository error codes. They reuse the trace codes so the HTTP layer can
// map both the same way.
const (
	ErrCodeValidation       = string(trace.CodeValidation)
	ErrCodeNotFound         = string(trace.CodeNotFound)
	ErrCodeConflict         = string(trace.CodeConflict)
	ErrCodeDatabase         = "DATABASE_ERROR"
	ErrCodeSerialization    = "SERIALIZATION_ERROR"
	ErrCodeConsensus        = "CONSENSUS_ERROR"
	ErrCodeConsensusTimeout = "CONSENSUS_TIMEOUT"
)

// ConsensusResult contains the result of BFT consensus
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32
	Log         string
}

// RepositoryError represents repository layer errors
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// Chain is the part of the CometBFT RPC client the repository uses. The
// local client of an in-process node satisfies it.
type Chain interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error)
}

type Repository struct {
	db     *gorm.DB
	chain  Chain
	logger cmtlog.Logger
}

func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{logger: logger.With("module", "repository")}
}

// ConnectDB establishes the mirror connection and performs migrations
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		r.logger.Info("Connecting to mirror database", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn))
		if err != nil {
			lastErr = err
			r.logger.Error("Connection attempt failed", "attempt", i+1, "err", err)
			time.Sleep(2 * time.Second)
			continue
		}
		return r.UseDB(db)
	}
	return fmt.Errorf("connecting to mirror database: %w", lastErr)
}

// UseDB adopts an open gorm handle and migrates it.
func (r *Repository) UseDB(db *gorm.DB) error {
	r.db = db
	if err := r.Migrate(); err != nil {
		return err
	}
	r.logger.Info("Connected to mirror database and completed setup")
	return nil
}

// Migrate performs database schema migrations
func (r *Repository) Migrate() error {
	migrator := r.db.Migrator()
	for _, model := range []any{&models.CommitRecord{}, &models.Product{}, &models.Movement{}} {
		if migrator.HasTable(model) {
			continue
		}
		if err := migrator.CreateTable(model); err != nil {
			return fmt.Errorf("creating table for %T: %w", model, err)
		}
		r.logger.Info("Table created", "model", fmt.Sprintf("%T", model))
	}
	return nil
}

// SetupRpcClient configures the RPC client for BFT consensus
func (r *Repository) SetupRpcClient(chain Chain) {
	r.chain = chain
}

// ReceiveCommit runs a change set through consensus and mirrors it. A
// change set already on the ledger is not broadcast again; its existing
// record is returned.
func (r *Repository) ReceiveCommit(ctx context.Context, cs trace.ChangeSet) (*models.CommitRecord, *RepositoryError) {
	if err := cs.Validate(); err != nil {
		return nil, &RepositoryError{Code: ErrCodeValidation, Message: "Invalid change set", Detail: err.Error()}
	}

	var existing models.CommitRecord
	err := r.db.WithContext(ctx).Where("change_set_id = ?", cs.ID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &RepositoryError{Code: ErrCodeDatabase, Message: "Failed to look up change set", Detail: err.Error()}
	}

	var result *ConsensusResult
	if onChain, repoErr := r.changeSetOnChain(ctx, cs.ID); repoErr != nil {
		return nil, repoErr
	} else if onChain != nil {
		r.logger.Info("Change set already on ledger, mirroring only", "id", cs.ID)
		result = &ConsensusResult{BlockHeight: onChain.BlockHeight}
	} else {
		result, repoErr = r.RunConsensus(ctx, cs)
		if repoErr != nil {
			return nil, repoErr
		}
	}

	record, repoErr := r.mirror(ctx, cs, result)
	if repoErr != nil {
		// the ledger already holds the change set; the mirror catches up on
		// the next commit of the same id
		r.logger.Error("Mirroring committed change set failed", "id", cs.ID, "err", repoErr.Detail)
	}
	return record, nil
}

func (r *Repository) changeSetOnChain(ctx context.Context, id string) (*app.ChangeSetRecord, *RepositoryError) {
	value, repoErr := r.QueryChain(ctx, app.QueryChangeSet+id)
	if repoErr != nil {
		if repoErr.Code == ErrCodeNotFound {
			return nil, nil
		}
		return nil, repoErr
	}
	var rec app.ChangeSetRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, &RepositoryError{Code: ErrCodeSerialization, Message: "Malformed change set record", Detail: err.Error()}
	}
	return &rec, nil
}

// mirror writes the commit record, products and movements in one database
// transaction. A concurrent writer that won the unique constraint leaves
// its record in place.
func (r *Repository) mirror(ctx context.Context, cs trace.ChangeSet, result *ConsensusResult) (*models.CommitRecord, *RepositoryError) {
	payload, err := json.Marshal(cs)
	if err != nil {
		return nil, &RepositoryError{Code: ErrCodeSerialization, Message: "Failed to serialize change set", Detail: err.Error()}
	}
	record := models.CommitRecord{
		ChangeSetID: cs.ID,
		Origin:      cs.Origin,
		TxHash:      result.TxHash,
		BlockHeight: result.BlockHeight,
		Products:    len(cs.Products),
		Movements:   len(cs.Movements),
		Payload:     string(payload),
		Status:      "confirmed",
		CommittedAt: cs.CommittedAt,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if len(cs.Products) > 0 {
			rows := make([]models.Product, 0, len(cs.Products))
			for _, p := range cs.Products {
				rows = append(rows, toProductRow(p, cs.ID))
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
				return err
			}
		}
		if len(cs.Movements) > 0 {
			rows := make([]models.Movement, 0, len(cs.Movements))
			for _, m := range cs.Movements {
				rows = append(rows, toMovementRow(m, cs.ID))
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			var existing models.CommitRecord
			if r.db.WithContext(ctx).Where("change_set_id = ?", cs.ID).First(&existing).Error == nil {
				return &existing, nil
			}
		}
		return &record, &RepositoryError{Code: ErrCodeDatabase, Message: "Failed to mirror change set", Detail: err.Error()}
	}
	return &record, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// RunConsensus submits a change set to BFT consensus and waits for the
// block that includes it.
func (r *Repository) RunConsensus(ctx context.Context, cs trace.ChangeSet) (*ConsensusResult, *RepositoryError) {
	if r.chain == nil {
		return nil, &RepositoryError{Code: ErrCodeConsensus, Message: "Consensus client not configured", Detail: "no rpc client"}
	}
	payloadBytes, err := json.Marshal(cs)
	if err != nil {
		return nil, &RepositoryError{
			Code:    ErrCodeSerialization,
			Message: "Failed to serialize consensus payload",
			Detail:  err.Error(),
		}
	}

	type broadcast struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}
	done := make(chan broadcast, 1)
	go func() {
		result, err := r.chain.BroadcastTxCommit(ctx, cmttypes.Tx(payloadBytes))
		done <- broadcast{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &RepositoryError{
			Code:    ErrCodeConsensusTimeout,
			Message: "Consensus operation timed out",
			Detail:  ctx.Err().Error(),
		}
	case res := <-done:
		if res.err != nil {
			return nil, &RepositoryError{
				Code:    ErrCodeConsensus,
				Message: "Failed to commit to blockchain",
				Detail:  res.err.Error(),
			}
		}
		if res.result.CheckTx.Code != app.CodeOK {
			return nil, &RepositoryError{
				Code:    ErrCodeValidation,
				Message: "Blockchain rejected transaction",
				Detail:  fmt.Sprintf("CheckTx code %d: %s", res.result.CheckTx.Code, res.result.CheckTx.Log),
			}
		}
		switch res.result.TxResult.Code {
		case app.CodeOK:
		case app.CodeConflict:
			return nil, &RepositoryError{Code: ErrCodeConflict, Message: "Change set out of order", Detail: res.result.TxResult.Log}
		case app.CodeMalformed:
			return nil, &RepositoryError{Code: ErrCodeValidation, Message: "Change set rejected", Detail: res.result.TxResult.Log}
		default:
			return nil, &RepositoryError{Code: ErrCodeConsensus, Message: "Ledger failed to apply change set", Detail: res.result.TxResult.Log}
		}

		return &ConsensusResult{
			TxHash:      hex.EncodeToString(res.result.Hash),
			BlockHeight: res.result.Height,
			Code:        res.result.TxResult.Code,
			Log:         res.result.TxResult.Log,
		}, nil
	}
}

// QueryChain runs an ABCI query against the committed ledger state.
func (r *Repository) QueryChain(ctx context.Context, path string) ([]byte, *RepositoryError) {
	if r.chain == nil {
		return nil, &RepositoryError{Code: ErrCodeConsensus, Message: "Consensus client not configured", Detail: "no rpc client"}
	}
	res, err := r.chain.ABCIQuery(ctx, "", cmtbytes.HexBytes(path))
	if err != nil {
		return nil, &RepositoryError{Code: ErrCodeConsensus, Message: "Ledger query failed", Detail: err.Error()}
	}
	switch res.Response.Code {
	case app.CodeOK:
		return res.Response.Value, nil
	case app.CodeNotFound:
		return nil, &RepositoryError{Code: ErrCodeNotFound, Message: "Not found", Detail: res.Response.Log}
	case app.CodeMalformed:
		return nil, &RepositoryError{Code: ErrCodeValidation, Message: "Invalid query", Detail: res.Response.Log}
	default:
		return nil, &RepositoryError{Code: ErrCodeConsensus, Message: "Ledger query failed", Detail: res.Response.Log}
	}
}

// History returns the four-array history of a batch from the ledger.
func (r *Repository) History(ctx context.Context, batchNumber string) (*trace.ParallelHistory, *RepositoryError) {
	value, repoErr := r.QueryChain(ctx, app.QueryHistory+batchNumber)
	if repoErr != nil {
		return nil, repoErr
	}
	var h trace.ParallelHistory
	if err := json.Unmarshal(value, &h); err != nil {
		return nil, &RepositoryError{Code: ErrCodeSerialization, Message: "Malformed history", Detail: err.Error()}
	}
	return &h, nil
}

// Snapshot returns every product and log on the ledger.
func (r *Repository) Snapshot(ctx context.Context) (*trace.Snapshot, *RepositoryError) {
	value, repoErr := r.QueryChain(ctx, app.QuerySnapshot)
	if repoErr != nil {
		return nil, repoErr
	}
	var snap trace.Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return nil, &RepositoryError{Code: ErrCodeSerialization, Message: "Malformed snapshot", Detail: err.Error()}
	}
	return &snap, nil
}

// GetTransactionByHash retrieves the commit record of a transaction
func (r *Repository) GetTransactionByHash(txHash string) (*models.CommitRecord, *RepositoryError) {
	var record models.CommitRecord
	err := r.db.Where("tx_hash = ?", txHash).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "Transaction not found",
				Detail:  fmt.Sprintf("Transaction with hash %s not found", txHash),
			}
		}
		return nil, &RepositoryError{Code: ErrCodeDatabase, Message: "Failed to query transaction", Detail: err.Error()}
	}
	return &record, nil
}

// ListProducts lists mirrored products, optionally filtered by status.
func (r *Repository) ListProducts(status string) ([]models.Product, *RepositoryError) {
	var products []models.Product
	q := r.db.Order("batch_number")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&products).Error; err != nil {
		return nil, &RepositoryError{Code: ErrCodeDatabase, Message: "Failed to query products", Detail: err.Error()}
	}
	return products, nil
}

// CountCommits returns the number of mirrored change sets.
func (r *Repository) CountCommits() (int64, *RepositoryError) {
	var n int64
	if err := r.db.Model(&models.CommitRecord{}).Count(&n).Error; err != nil {
		return 0, &RepositoryError{Code: ErrCodeDatabase, Message: "Failed to count commits", Detail: err.Error()}
	}
	return n, nil
}

func toProductRow(p trace.Product, changeSetID string) models.Product {
	row := models.Product{
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
		LastChangeSet:  changeSetID,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.ParentBatch != "" {
		parent := p.ParentBatch
		row.ParentBatch = &parent
	}
	return row
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
