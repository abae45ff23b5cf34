package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"gridsec-analytics/internal/config"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/util"
)

type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewClickHouseClient creates a new ClickHouse client with TLS support
func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{extractHostPort(chConfig.URL)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     10,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
	}

	if cfg.IsProduction() || strings.HasPrefix(chConfig.URL, "https://") {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: extractHostname(chConfig.URL),
		}
		if caCertPath := util.GetEnv("CLICKHOUSE_CA_FILE", ""); caCertPath != "" {
			caCert, err := os.ReadFile(caCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to append CA cert")
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	c := &ClickHouseClient{conn: conn, config: &chConfig, logger: logger}
	if err := c.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("ClickHouse client initialized",
		zap.String("database", chConfig.Database),
		zap.String("table", chConfig.Table),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)
	return c, nil
}

// EnsureSchema creates the anonymized telemetry table.
func (c *ClickHouseClient) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    batch_id      String,
    epsilon       Float64,
    timestamp     DateTime64(6, 'UTC'),
    event_id      String,
    user_id       String,
    action        LowCardinality(String),
    table_name    LowCardinality(String),
    device_type   LowCardinality(String),
    location      String,
    voltage       Nullable(Float64),
    current       Nullable(Float64),
    power_factor  Nullable(Float64),
    frequency     Nullable(Float64),
    temperature   Nullable(Float64),
    load          Nullable(Float64),
    is_suspicious Bool,
    threat_level  LowCardinality(String),
    attack_type   Nullable(String)
) ENGINE = MergeTree
ORDER BY (timestamp, event_id)`, c.config.Table)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", c.config.Table, err)
	}
	return nil
}

// InsertAnonymized writes one anonymized batch in a single block.
func (c *ClickHouseClient) InsertAnonymized(ctx context.Context, batchID string, epsilon float64, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+c.config.Table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for i := range events {
		e := &events[i]
		if err := batch.Append(
			batchID, epsilon, e.Timestamp, e.EventID, e.UserID, string(e.Action), e.TableName,
			e.DeviceType, e.Location, e.Voltage, e.Current, e.PowerFactor, e.Frequency,
			e.Temperature, e.Load, e.IsSuspicious, string(e.ThreatLevel), e.AttackType,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	c.logger.Info("anonymized batch stored",
		zap.String("batch_id", batchID),
		zap.Int("rows", len(events)),
	)
	return nil
}

// HealthCheck verifies ClickHouse connectivity
func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

// Close gracefully closes the connection
func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}

func extractHostPort(url string) string {
	clean := strings.TrimPrefix(url, "http://")
	clean = strings.TrimPrefix(clean, "https://")
	clean = strings.TrimPrefix(clean, "clickhouse://")
	if !strings.Contains(clean, ":") {
		if strings.HasPrefix(url, "https://") {
			return clean + ":9440"
		}
		return clean + ":9000"
	}
	return clean
}

func extractHostname(url string) string {
	return strings.Split(extractHostPort(url), ":")[0]
}
