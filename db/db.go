// Package db is the PostgreSQL store behind mailtrack: outbound emails, their
// delivery attempts, the deny list and the named locks that serialise
// archiving and deny-list expiry across processes.
package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/mailtrack/config"
	"github.com/migadu/mailtrack/consts"
	"github.com/migadu/mailtrack/logger"
	"github.com/migadu/mailtrack/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
}

// NewDatabaseFromConfig creates a new database connection with read/write split configuration.
// Pending migrations are applied first when auto_migrate is enabled.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	if dbConfig.AutoMigrate {
		timeout, err := dbConfig.GetMigrationTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid migration_timeout: %w", err)
		}
		migrateCtx, cancel := context.WithTimeout(ctx, timeout)
		err = MigrateUp(migrateCtx, dbConfig)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.LogQueries, queryTimeout, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.LogQueries, queryTimeout, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("Database: no read configuration specified, using write pool for reads")
		readPool = writePool
	}

	return &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping checks that the write pool can reach the server.
func (db *Database) Ping(ctx context.Context) error {
	return db.WritePool.Ping(ctx)
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}

// GetReadPoolWithContext returns the pool for read operations. A context
// marked with consts.UseMasterDBKey reads from the write pool, for
// read-after-write consistency.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

// endpointConnString builds the pgx connection string for one endpoint,
// picking one of its hosts at random.
func endpointConnString(endpoint *config.DatabaseEndpointConfig) (string, string, error) {
	if len(endpoint.Hosts) == 0 {
		return "", "", fmt.Errorf("at least one host must be specified")
	}

	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(selectedHost, ":") {
		var portStr string
		if endpoint.Port != nil {
			switch v := endpoint.Port.(type) {
			case string:
				portStr = v
			case int:
				portStr = strconv.Itoa(v)
			case int64: // TOML decodes integers as int64
				portStr = strconv.FormatInt(v, 10)
			default:
				return "", "", fmt.Errorf("invalid type for port: %T", v)
			}
		}
		if portStr == "" {
			portStr = "5432"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", "", fmt.Errorf("invalid port value '%s': %w", portStr, err)
		}
		selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode)
	return connString, selectedHost, nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, queryTimeout time.Duration, poolType string) (*pgxpool.Pool, error) {
	connString, host, err := endpointConnString(endpoint)
	if err != nil {
		return nil, err
	}

	logger.Info("Database: connecting", "role", poolType, "user", endpoint.User, "host", host, "name", endpoint.Name)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if queryTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", queryTimeout.Milliseconds())
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime
	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idleTime

	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool created", "role", poolType,
		"max_conns", dbPool.Config().MaxConns, "min_conns", dbPool.Config().MinConns,
		"max_lifetime", dbPool.Config().MaxConnLifetime, "max_idle", dbPool.Config().MaxConnIdleTime)

	return dbPool, nil
}

type queryTracerKey struct{}

type queryTrace struct {
	sql   string
	start time.Time
}

// queryTracer logs every statement at debug level when log_queries is set.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryTracerKey{}, queryTrace{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	trace, ok := ctx.Value(queryTracerKey{}).(queryTrace)
	if !ok {
		return
	}
	sql := strings.Join(strings.Fields(trace.sql), " ")
	if data.Err != nil {
		logger.Debug("Database: query failed", "sql", sql, "duration", time.Since(trace.start), "error", data.Err)
		return
	}
	logger.Debug("Database: query", "sql", sql, "duration", time.Since(trace.start), "rows", data.CommandTag.RowsAffected())
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
	done  bool
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrDBBeginTransactionFailed, err)
	}
	return &measuredTx{Tx: tx, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		mtx.done = true
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	if mtx.done {
		// Deferred rollback after a successful commit.
		return pgx.ErrTxClosed
	}
	mtx.done = true
	err := mtx.Tx.Rollback(ctx)
	// Counted even when the rollback itself fails.
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

// TimedQueryRow wraps QueryRow with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	row := pool.QueryRow(ctx, sql, args...)

	role := "read"
	if pool == db.WritePool {
		role = "write"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", role).Inc()
	return row
}

// TimedQuery wraps Query with duration metrics
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	rows, err := pool.Query(ctx, sql, args...)

	role := "read"
	if pool == db.WritePool {
		role = "write"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", role).Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success", role).Inc()
	}
	return rows, err
}

// TimedExec wraps Exec on the write pool with duration metrics
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := db.WritePool.Exec(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", "write").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success", "write").Inc()
	}
	return tag, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
