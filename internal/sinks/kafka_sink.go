package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/xdg-go/scram"

	"github.com/tickframe/logpipe/pkg/types"
)

// KafkaSASLConfig autenticação SASL do broker
type KafkaSASLConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // plain, scram-sha-256, scram-sha-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"` // aceita "env:VAR"
}

// KafkaConfig configuração do sink Kafka
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// RequiredAcks: 0 none, 1 leader, -1 all ISR.
	RequiredAcks int `yaml:"required_acks"`
	// Compression is the broker-side codec (none/gzip/snappy/lz4/zstd).
	// Independent from the pipeline's payload compression.
	Compression string          `yaml:"compression"`
	Timeout     string          `yaml:"timeout"`
	MaxRetry    int             `yaml:"max_retry"`
	SASL        KafkaSASLConfig `yaml:"sasl"`
	TLS         TLSConfig       `yaml:"tls"`
}

// KafkaSink publica cada lote como uma única mensagem Kafka. A chave da
// partição é o xxhash do payload, então um retry do mesmo lote cai na
// mesma partição.
type KafkaSink struct {
	config   KafkaConfig
	logger   *logrus.Logger
	producer sarama.SyncProducer

	messagesSent    atomic.Uint64
	produceFailures atomic.Uint64
	healthy         atomic.Bool
}

// NewKafkaSink valida a configuração e constrói o producer síncrono.
func NewKafkaSink(config KafkaConfig, logger *logrus.Logger) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}

	saramaConfig, err := buildSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return newKafkaSinkWithProducer(config, producer, logger), nil
}

// newKafkaSinkWithProducer permite injetar um producer nos testes.
func newKafkaSinkWithProducer(config KafkaConfig, producer sarama.SyncProducer, logger *logrus.Logger) *KafkaSink {
	ks := &KafkaSink{
		config:   config,
		logger:   logger,
		producer: producer,
	}
	ks.healthy.Store(true)
	return ks
}

func buildSaramaConfig(config KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	if config.MaxRetry > 0 {
		saramaConfig.Producer.Retry.Max = config.MaxRetry
	}
	if config.Timeout != "" {
		if d, err := time.ParseDuration(config.Timeout); err == nil {
			saramaConfig.Producer.Timeout = d
		}
	}

	switch config.Compression {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if config.SASL.Enabled {
		password, err := resolveSecret(config.SASL.Password)
		if err != nil {
			return nil, fmt.Errorf("kafka sasl password: %w", err)
		}

		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASL.Username
		saramaConfig.Net.SASL.Password = password

		switch config.SASL.Mechanism {
		case "scram-sha-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{hash: scram.SHA256}
			}
		case "scram-sha-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{hash: scram.SHA512}
			}
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if config.TLS.Enabled {
		tlsConfig, err := createTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("kafka tls: %w", err)
		}
		saramaConfig.Net.TLS.Enable = true
		saramaConfig.Net.TLS.Config = tlsConfig
	}

	return saramaConfig, nil
}

// scramClient adapta uma conversa xdg-go/scram à interface
// sarama.SCRAMClient. Uma instância por handshake.
type scramClient struct {
	hash scram.HashGeneratorFcn
	conv *scram.ClientConversation
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.hash.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.conv = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conv.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conv.Done()
}

func (ks *KafkaSink) Name() string { return "kafka" }

func (ks *KafkaSink) Start(_ context.Context) error {
	ks.logger.WithFields(logrus.Fields{
		"brokers": ks.config.Brokers,
		"topic":   ks.config.Topic,
	}).Info("Kafka sink started")
	return nil
}

// partitionKey deriva a chave a partir do conteúdo do payload.
func partitionKey(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Append publica o payload e espera o ack conforme required_acks.
func (ks *KafkaSink) Append(ctx context.Context, p types.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: ks.config.Topic,
		Key:   sarama.StringEncoder(partitionKey(p.Data)),
		Value: sarama.ByteEncoder(p.Data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("batch_id"), Value: []byte(p.BatchID)},
			{Key: []byte("records"), Value: []byte(strconv.Itoa(p.Records))},
		},
	}
	if p.Encoding != "" {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key: []byte("content_encoding"), Value: []byte(p.Encoding),
		})
	}

	partition, offset, err := ks.producer.SendMessage(msg)
	if err != nil {
		ks.produceFailures.Add(1)
		ks.healthy.Store(false)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	ks.messagesSent.Add(1)
	ks.healthy.Store(true)
	ks.logger.WithFields(logrus.Fields{
		"batch_id":  p.BatchID,
		"partition": partition,
		"offset":    offset,
		"bytes":     len(p.Data),
	}).Debug("Batch published to kafka")
	return nil
}

func (ks *KafkaSink) IsHealthy() bool {
	return ks.healthy.Load()
}

// GetStats contadores do producer
func (ks *KafkaSink) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"messages_sent":    ks.messagesSent.Load(),
		"produce_failures": ks.produceFailures.Load(),
	}
}

func (ks *KafkaSink) Stop() error {
	ks.healthy.Store(false)
	if ks.producer == nil {
		return nil
	}
	return ks.producer.Close()
}
