package sinks

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"

	"github.com/tickframe/logpipe/pkg/types"
)

func mockProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func TestKafkaAppendPublishesBatch(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mockProducerConfig())
	sink := newKafkaSinkWithProducer(KafkaConfig{Topic: "trading-logs"}, producer, testLogger())
	defer sink.Stop()

	payload := types.Payload{
		Data:     []byte(`{"ts":1}` + "\n"),
		Records:  1,
		BatchID:  "b1",
		Encoding: "lz4",
	}

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "trading-logs" {
			return errors.New("wrong topic")
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != partitionKey(payload.Data) {
			return errors.New("partition key must be content derived")
		}
		if len(msg.Headers) != 3 {
			return errors.New("expected batch_id, records and content_encoding headers")
		}
		return nil
	})

	require.NoError(t, sink.Append(context.Background(), payload))
	assert.Equal(t, uint64(1), sink.messagesSent.Load())
	assert.True(t, sink.IsHealthy())
}

func TestKafkaAppendPropagatesProduceError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mockProducerConfig())
	sink := newKafkaSinkWithProducer(KafkaConfig{Topic: "trading-logs"}, producer, testLogger())
	defer sink.Stop()

	producer.ExpectSendMessageAndFail(sarama.ErrBrokerNotAvailable)

	err := sink.Append(context.Background(), types.Payload{Data: []byte("x"), Records: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrBrokerNotAvailable)
	assert.False(t, sink.IsHealthy())
	assert.Equal(t, uint64(1), sink.produceFailures.Load())
}

func TestPartitionKeyStableAcrossRetries(t *testing.T) {
	data := []byte(`{"ts":1,"message":"same payload"}`)
	assert.Equal(t, partitionKey(data), partitionKey(data))
	assert.NotEqual(t, partitionKey(data), partitionKey([]byte("other payload")))
}

func TestNewKafkaSinkValidation(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "t"}, testLogger())
	assert.Error(t, err, "brokers are required")

	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}, testLogger())
	assert.Error(t, err, "topic is required")
}

func TestBuildSaramaConfigSASL(t *testing.T) {
	t.Setenv("KAFKA_TEST_PASSWORD", "s3cr3t")

	cfg, err := buildSaramaConfig(KafkaConfig{
		Brokers: []string{"b:9092"},
		Topic:   "t",
		SASL: KafkaSASLConfig{
			Enabled:   true,
			Mechanism: "scram-sha-512",
			Username:  "svc",
			Password:  "env:KAFKA_TEST_PASSWORD",
		},
	})
	require.NoError(t, err)
	assert.True(t, cfg.Net.SASL.Enable)
	assert.Equal(t, "s3cr3t", cfg.Net.SASL.Password)
	assert.Equal(t, sarama.SASLTypeSCRAMSHA512, string(cfg.Net.SASL.Mechanism))
	require.NotNil(t, cfg.Net.SASL.SCRAMClientGeneratorFunc)

	client := cfg.Net.SASL.SCRAMClientGeneratorFunc()
	assert.NoError(t, client.Begin("svc", "s3cr3t", ""))
}

func TestScramClientHandshakeFirstMessage(t *testing.T) {
	client := &scramClient{hash: scram.SHA256}
	require.NoError(t, client.Begin("svc", "s3cr3t", ""))

	first, err := client.Step("")
	require.NoError(t, err)
	assert.Contains(t, first, "n=svc", "client-first message carries the username")
	assert.False(t, client.Done(), "conversation is open until the server-final step")
}
