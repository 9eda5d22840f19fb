package sinks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"

	"github.com/tickframe/logpipe/pkg/compression"
	"github.com/tickframe/logpipe/pkg/types"
)

// ElasticConfig configuração do sink Elasticsearch
type ElasticConfig struct {
	Addresses  []string  `yaml:"addresses"`
	Index      string    `yaml:"index"`
	Username   string    `yaml:"username"`
	Password   string    `yaml:"password"` // aceita "env:VAR"
	DatedIndex bool      `yaml:"dated_index"`
	TLS        TLSConfig `yaml:"tls"`
}

// ElasticSink indexa cada registro do lote via bulk API. Payloads
// comprimidos pelo pipeline são descomprimidos antes de montar o corpo do
// bulk, já que cada linha precisa ser intercalada com a action line.
type ElasticSink struct {
	config  ElasticConfig
	logger  *logrus.Logger
	client  *elasticsearch.Client
	codec   *compression.Compressor
	parsers fastjson.ParserPool

	docsIndexed  atomic.Uint64
	bulkFailures atomic.Uint64
	healthy      atomic.Bool
}

// NewElasticSink constrói o cliente e valida a configuração.
func NewElasticSink(config ElasticConfig, logger *logrus.Logger) (*ElasticSink, error) {
	if len(config.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch sink requires at least one address")
	}
	if config.Index == "" {
		return nil, fmt.Errorf("elasticsearch sink requires an index")
	}

	password, err := resolveSecret(config.Password)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch password: %w", err)
	}

	esConfig := elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  password,
	}
	if config.TLS.Enabled {
		tlsConfig, err := createTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch tls: %w", err)
		}
		esConfig.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	es := &ElasticSink{
		config: config,
		logger: logger,
		client: client,
		codec:  compression.New(compression.Config{}),
	}
	es.healthy.Store(true)
	return es, nil
}

func (es *ElasticSink) Name() string { return "elasticsearch" }

func (es *ElasticSink) Start(_ context.Context) error {
	es.logger.WithFields(logrus.Fields{
		"addresses": es.config.Addresses,
		"index":     es.config.Index,
	}).Info("Elasticsearch sink started")
	return nil
}

func (es *ElasticSink) indexName() string {
	if es.config.DatedIndex {
		return es.config.Index + "-" + time.Now().UTC().Format("2006.01.02")
	}
	return es.config.Index
}

// buildBulkBody intercala action lines com as linhas NDJSON do payload.
func buildBulkBody(index string, ndjson []byte) []byte {
	action := []byte(`{"index":{"_index":"` + index + `"}}` + "\n")
	body := make([]byte, 0, len(ndjson)+bytes.Count(ndjson, []byte{'\n'})*len(action))

	for len(ndjson) > 0 {
		nl := bytes.IndexByte(ndjson, '\n')
		var line []byte
		if nl < 0 {
			line, ndjson = ndjson, nil
		} else {
			line, ndjson = ndjson[:nl], ndjson[nl+1:]
		}
		if len(line) == 0 {
			continue
		}
		body = append(body, action...)
		body = append(body, line...)
		body = append(body, '\n')
	}
	return body
}

// Append envia o lote via bulk. Qualquer item rejeitado falha o lote
// inteiro para o dispatcher tentar de novo.
func (es *ElasticSink) Append(ctx context.Context, p types.Payload) error {
	data := p.Data
	if p.Encoding != "" {
		decoded, err := es.codec.Decompress(data, compression.Algorithm(p.Encoding))
		if err != nil {
			return fmt.Errorf("failed to decode payload %s: %w", p.Encoding, err)
		}
		data = decoded
	}

	body := buildBulkBody(es.indexName(), data)

	res, err := es.client.Bulk(bytes.NewReader(body), es.client.Bulk.WithContext(ctx))
	if err != nil {
		es.bulkFailures.Add(1)
		es.healthy.Store(false)
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		es.bulkFailures.Add(1)
		return fmt.Errorf("failed to read bulk response: %w", err)
	}

	if res.IsError() {
		es.bulkFailures.Add(1)
		es.healthy.Store(false)
		return fmt.Errorf("bulk request rejected: %s", res.Status())
	}

	if err := es.checkBulkErrors(respBody, p.BatchID); err != nil {
		es.bulkFailures.Add(1)
		return err
	}

	es.docsIndexed.Add(uint64(p.Records))
	es.healthy.Store(true)
	return nil
}

// checkBulkErrors inspeciona a resposta item a item.
func (es *ElasticSink) checkBulkErrors(respBody []byte, batchID string) error {
	parser := es.parsers.Get()
	defer es.parsers.Put(parser)

	v, err := parser.ParseBytes(respBody)
	if err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if !v.GetBool("errors") {
		return nil
	}

	failed := 0
	var firstReason string
	for _, item := range v.GetArray("items") {
		indexResult := item.Get("index")
		if indexResult == nil {
			continue
		}
		if status := indexResult.GetInt("status"); status >= 300 {
			failed++
			if firstReason == "" {
				firstReason = string(indexResult.GetStringBytes("error", "reason"))
			}
		}
	}

	es.logger.WithFields(logrus.Fields{
		"batch_id":     batchID,
		"failed_items": failed,
		"first_reason": firstReason,
	}).Warn("Bulk response contains item failures")
	return fmt.Errorf("bulk indexed with %d item failures: %s", failed, firstReason)
}

func (es *ElasticSink) IsHealthy() bool {
	return es.healthy.Load()
}

// GetStats contadores do sink
func (es *ElasticSink) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"docs_indexed":  es.docsIndexed.Load(),
		"bulk_failures": es.bulkFailures.Load(),
	}
}

func (es *ElasticSink) Stop() error {
	es.healthy.Store(false)
	return nil
}
