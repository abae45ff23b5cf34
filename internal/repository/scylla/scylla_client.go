package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"gridsec-analytics/internal/config"
	"gridsec-analytics/internal/util"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pseudonym_audit (
        pseudonym    text,
        ts           timestamp,
        record_id    text,
        reason       text,
        access_count int,
        PRIMARY KEY ((pseudonym), ts, record_id)
    ) WITH CLUSTERING ORDER BY (ts ASC, record_id ASC)`,
	`CREATE TABLE IF NOT EXISTS pseudonym_audit_by_day (
        day          date,
        ts           timestamp,
        record_id    text,
        pseudonym    text,
        PRIMARY KEY ((day), ts, record_id)
    )`,
}

// PreparedStatements holds prepared statements that are actually used by the repository
type PreparedStatements struct {
	InsertAudit      *gocql.Query
	InsertAuditByDay *gocql.Query
	ListAudit        *gocql.Query
	CountAuditByDay  *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, err
	}
	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) ensureSchema() error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.InsertAudit = s.Session.Query(`
        INSERT INTO pseudonym_audit (pseudonym, ts, record_id, reason, access_count)
        VALUES (?, ?, ?, ?, ?)`)

	prepared.InsertAuditByDay = s.Session.Query(`
        INSERT INTO pseudonym_audit_by_day (day, ts, record_id, pseudonym)
        VALUES (?, ?, ?, ?)`)

	prepared.ListAudit = s.Session.Query(`
        SELECT record_id, ts, pseudonym, reason, access_count
        FROM pseudonym_audit WHERE pseudonym = ?`)

	prepared.CountAuditByDay = s.Session.Query(`
        SELECT COUNT(*) FROM pseudonym_audit_by_day WHERE day = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteBatchWithRetry retries a batch with linear backoff, stopping early
// when ctx is done.
func (s *ScyllaClient) ExecuteBatchWithRetry(ctx context.Context, batch *gocql.Batch, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := s.Session.ExecuteBatch(batch.WithContext(ctx)); err != nil {
			lastErr = err
			if i < maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
				}
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
