package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	mysqlDuplicateEntryCode  = 1062
	tagDelimiter             = ","
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectGeneration   = "generation"
	errorSubjectConversation = "conversation"
	errorSubjectMessage      = "message"
	errorSubjectOrder        = "order"
	errorCodeCreate          = "create"
	errorCodeDelete          = "delete"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeUpdate          = "update"
	errorCodeDebit           = "debit"
	errorCodeCredit          = "credit"
	errorCodeUsage           = "usage"
	errorCodeAppend          = "append"
	errorCodeMigrate         = "migrate"
	errorCodeStats           = "stats"
)

// Store implements the account, generation, conversation and order stores
// using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError("schema", errorCodeMigrate, err)
	}
	return nil
}

// withTx executes fn within a transaction.
func (store *Store) withTx(ctx context.Context, fn func(txStore *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Store{db: transaction})
	})
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	return false
}

func encodeJSON(value any) (datatypes.JSON, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func decodeJSON(raw datatypes.JSON, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, target)
}

// tagIndex renders tags as ",a,b," so a single LIKE finds one tag on every
// supported dialect.
func tagIndex(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return tagDelimiter + strings.Join(tags, tagDelimiter) + tagDelimiter
}

func tagPattern(tag string) string {
	return "%" + tagDelimiter + strings.ToLower(strings.TrimSpace(tag)) + tagDelimiter + "%"
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}
