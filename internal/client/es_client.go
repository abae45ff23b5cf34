package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridsec-analytics/internal/config"
	"gridsec-analytics/internal/models"
	"gridsec-analytics/internal/util"
)

type ESClient struct {
	Client *elasticsearch.Client
	config *config.ElasticsearchConfig
	logger *zap.Logger
}

func NewElasticsearchClient(cfg *config.Config, logger *zap.Logger) (*ESClient, error) {
	esConfig := cfg.Elasticsearch

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.IsDevelopment(), // dev clusters use self-signed certs
			MinVersion:         tls.VersionTLS12,
		},
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{esConfig.URL},
		Username:  esConfig.Username,
		Password:  esConfig.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{Client: client, config: &esConfig, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := esClient.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	logger.Info("Elasticsearch client initialized",
		zap.String("findings_index", esConfig.FindingsIndex),
		zap.String("audit_index", esConfig.AuditIndex),
	)
	return esClient, nil
}

func (e *ESClient) Close() error {
	util.Info("Elasticsearch client shutdown")
	return nil
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

func (e *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(document); err != nil {
		return fmt.Errorf("error encoding document: %w", err)
	}
	res, err := e.Client.Index(
		index,
		&buf,
		e.Client.Index.WithContext(ctx),
		e.Client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("error indexing document: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.String())
	}
	return nil
}

// Append indexes a pseudonym reversal record under its record id.
func (e *ESClient) Append(ctx context.Context, rec models.AuditRecord) error {
	return e.IndexDocument(ctx, e.config.AuditIndex, rec.RecordID, rec)
}

type finding struct {
	Detector   string      `json:"detector"`
	Flagged    int         `json:"flagged"`
	Report     interface{} `json:"report"`
	DetectedAt time.Time   `json:"detected_at"`
}

// PublishDetection indexes a detector report so analysts can search past scans.
func (e *ESClient) PublishDetection(ctx context.Context, detector string, flagged int, report interface{}) error {
	doc := finding{Detector: detector, Flagged: flagged, Report: report, DetectedAt: time.Now().UTC()}
	return e.IndexDocument(ctx, e.config.FindingsIndex, uuid.NewString(), doc)
}
