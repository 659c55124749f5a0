package legacydb

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultTable    = "users"
	defaultMaxConns = 10

	operationByID     = "by_id"
	operationByEmail  = "by_email"
	operationSearch   = "search"
	operationAll      = "all"
	operationCount    = "count"
	operationPassword = "password_digest"

	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

var (
	errMissingQuerier  = errors.New("legacydb: querier is required")
	errMissingURL      = errors.New("legacydb: database url is required")
	errInvalidTable    = errors.New("legacydb: table name is required")
	ErrInvalidDBConfig = errors.New("legacydb: invalid configuration")
)

// searchColumns maps supported search fields onto external columns. Username is the email.
var searchColumns = map[string]string{
	"username":   FieldEmail,
	"email":      FieldEmail,
	"firstName":  FieldFirstName,
	"first_name": FieldFirstName,
	"lastName":   FieldLastName,
	"last_name":  FieldLastName,
}

// Querier is the subset of *pgxpool.Pool the gateway needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LookupObserver receives one observation per external query.
type LookupObserver interface {
	ObserveExternalLookup(operation, result string)
}

// GatewayConfig configures a Gateway around an existing Querier.
type GatewayConfig struct {
	Table    string
	Logger   *zap.Logger
	Observer LookupObserver
}

// ConnectConfig describes how Open reaches the external store.
type ConnectConfig struct {
	URL      string
	Username string
	Password string
	Table    string
	MaxConns int32
	Logger   *zap.Logger
	Observer LookupObserver
}

// Gateway runs parameterized queries against the external users table.
// Driver and connection failures are logged and reported to callers as absent rows.
type Gateway struct {
	querier  Querier
	table    string
	logger   *zap.Logger
	observer LookupObserver
	closer   func()
}

// Open creates a pgx pool, verifies it with a ping and returns a Gateway that owns the pool.
func Open(ctx context.Context, cfg ConnectConfig) (*Gateway, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDBConfig, errMissingURL)
	}
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrInvalidDBConfig, err)
	}
	if username := strings.TrimSpace(cfg.Username); username != "" {
		poolConfig.ConnConfig.User = username
	}
	if cfg.Password != "" {
		poolConfig.ConnConfig.Password = cfg.Password
	}
	poolConfig.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("legacydb: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("legacydb: ping: %w", err)
	}

	gateway, err := NewGateway(pool, GatewayConfig{Table: cfg.Table, Logger: cfg.Logger, Observer: cfg.Observer})
	if err != nil {
		pool.Close()
		return nil, err
	}
	gateway.closer = pool.Close
	gateway.logger.Info("external user store connected",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.String("table", gateway.table),
	)
	return gateway, nil
}

// NewGateway wraps an existing Querier.
func NewGateway(querier Querier, cfg GatewayConfig) (*Gateway, error) {
	if querier == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDBConfig, errMissingQuerier)
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTable
	}
	parts := strings.Split(table, ".")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDBConfig, errInvalidTable)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		querier:  querier,
		table:    pgx.Identifier(parts).Sanitize(),
		logger:   logger,
		observer: cfg.Observer,
	}, nil
}

// Close releases the pool when the gateway owns one.
func (g *Gateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

// ByID returns the row whose id equals the given UUID.
func (g *Gateway) ByID(ctx context.Context, id string) (Record, bool) {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		g.observe(operationByID, resultMiss)
		return Record{}, false
	}
	query := "SELECT * FROM " + g.table + " WHERE " + FieldID + " = $1::uuid LIMIT 1"
	return g.single(ctx, operationByID, query, id)
}

// ByEmail returns the row whose email matches exactly (case-sensitive).
func (g *Gateway) ByEmail(ctx context.Context, email string) (Record, bool) {
	if email == "" {
		g.observe(operationByEmail, resultMiss)
		return Record{}, false
	}
	query := "SELECT * FROM " + g.table + " WHERE " + FieldEmail + " = $1 LIMIT 1"
	return g.single(ctx, operationByEmail, query, email)
}

// SearchByField returns up to limit rows whose column contains term. Unsupported fields yield nil.
func (g *Gateway) SearchByField(ctx context.Context, field, term string, limit int) []Record {
	column, ok := searchColumns[field]
	if !ok {
		g.logger.Debug("unsupported external search field", zap.String("field", field))
		return nil
	}
	if limit <= 0 {
		return nil
	}
	query := "SELECT * FROM " + g.table + " WHERE " + column + " LIKE $1 LIMIT $2"
	return g.list(ctx, operationSearch, query, limit, "%"+escapeLike(term)+"%", limit)
}

// All pages through the table ordered by id. A non-positive limit means no limit.
func (g *Gateway) All(ctx context.Context, offset, limit int) []Record {
	if offset < 0 {
		offset = 0
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	query := "SELECT * FROM " + g.table + " ORDER BY " + FieldID + " LIMIT $1 OFFSET $2"
	return g.list(ctx, operationAll, query, limit, limitArg, offset)
}

// Count returns the number of rows, or 0 when the store is unreachable.
func (g *Gateway) Count(ctx context.Context) int {
	var total int64
	if err := g.querier.QueryRow(ctx, "SELECT COUNT(*) FROM "+g.table).Scan(&total); err != nil {
		g.observe(operationCount, resultError)
		g.logger.Error("external user count failed", zap.Error(err))
		return 0
	}
	g.observe(operationCount, resultHit)
	return int(total)
}

// PasswordDigest reads the stored digest for email directly from the store.
func (g *Gateway) PasswordDigest(ctx context.Context, email string) (string, bool) {
	if email == "" {
		return "", false
	}
	query := "SELECT " + FieldPasswordDigest + " FROM " + g.table + " WHERE " + FieldEmail + " = $1 LIMIT 1"
	var digest *string
	err := g.querier.QueryRow(ctx, query, email).Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		g.observe(operationPassword, resultMiss)
		return "", false
	}
	if err != nil {
		g.observe(operationPassword, resultError)
		g.logger.Error("external password digest lookup failed", zap.Error(err))
		return "", false
	}
	if digest == nil || *digest == "" {
		g.observe(operationPassword, resultMiss)
		return "", false
	}
	g.observe(operationPassword, resultHit)
	return *digest, true
}

func (g *Gateway) single(ctx context.Context, operation, query string, args ...any) (Record, bool) {
	records := g.list(ctx, operation, query, 1, args...)
	if len(records) == 0 {
		return Record{}, false
	}
	return records[0], true
}

func (g *Gateway) list(ctx context.Context, operation, query string, limit int, args ...any) []Record {
	rows, err := g.querier.Query(ctx, query, args...)
	if err != nil {
		g.observe(operation, resultError)
		g.logger.Error("external user query failed", zap.String("operation", operation), zap.Error(err))
		return nil
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		if limit > 0 && len(records) >= limit {
			break
		}
		record, err := scanRecord(rows)
		if err != nil {
			g.observe(operation, resultError)
			g.logger.Error("external user row scan failed", zap.String("operation", operation), zap.Error(err))
			return nil
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		g.observe(operation, resultError)
		g.logger.Error("external user rows failed", zap.String("operation", operation), zap.Error(err))
		return nil
	}
	if len(records) == 0 {
		g.observe(operation, resultMiss)
	} else {
		g.observe(operation, resultHit)
	}
	return records
}

func (g *Gateway) observe(operation, result string) {
	if g.observer != nil {
		g.observer.ObserveExternalLookup(operation, result)
	}
}

// scanRecord turns the current row into a Record, dropping NULL columns.
func scanRecord(rows pgx.Rows) (Record, error) {
	fields := rows.FieldDescriptions()
	values, err := rows.Values()
	if err != nil {
		return Record{}, err
	}
	columns := make([]Column, 0, len(fields))
	for i, field := range fields {
		if i >= len(values) {
			break
		}
		text, ok := stringify(values[i])
		if !ok {
			continue
		}
		columns = append(columns, Column{Name: field.Name, Value: text})
	}
	return NewRecord(columns), nil
}

func stringify(value any) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		return typed, true
	case []byte:
		return string(typed), true
	case bool:
		return strconv.FormatBool(typed), true
	case int16:
		return strconv.FormatInt(int64(typed), 10), true
	case int32:
		return strconv.FormatInt(int64(typed), 10), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case int:
		return strconv.Itoa(typed), true
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano), true
	case [16]byte:
		return uuid.UUID(typed).String(), true
	case driver.Valuer:
		inner, err := typed.Value()
		if err != nil {
			return "", false
		}
		if _, nested := inner.(driver.Valuer); nested {
			return fmt.Sprint(inner), inner != nil
		}
		return stringify(inner)
	case map[string]any, []any:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "", false
		}
		return string(encoded), true
	default:
		return fmt.Sprint(typed), true
	}
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}
