package types

import (
	"context"
	"fmt"
	"strings"
)

// Level classifica um registro de log. Além dos níveis clássicos existem
// categorias de domínio usadas pelos sistemas de trading (market data,
// ordens, risco, portfólio).
type Level uint8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelMarketData
	LevelTrade
	LevelOrder
	LevelRisk
	LevelPortfolio
)

var levelNames = [...]string{
	LevelTrace:      "trace",
	LevelDebug:      "debug",
	LevelInfo:       "info",
	LevelWarn:       "warn",
	LevelError:      "error",
	LevelMarketData: "market_data",
	LevelTrade:      "trade",
	LevelOrder:      "order",
	LevelRisk:       "risk",
	LevelPortfolio:  "portfolio",
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel converte o nome textual de um nível (case-insensitive)
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown level %q", s)
}

// UnmarshalYAML aceita o nome textual do nível em arquivos de configuração.
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Field é um par chave/valor ordenado. Chaves duplicadas são permitidas e a
// ordem de inserção é preservada até o sink.
type Field struct {
	Key   string
	Value string
}

// F is shorthand for building a Field at call sites.
func F(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Record é a unidade de ingestão. Time carrega nanossegundos Unix para não
// perder precisão na serialização.
type Record struct {
	Time    int64
	Level   Level
	Service string
	Message string
	Fields  []Field
}

// Payload is a serialized, possibly compressed batch ready for a sink.
type Payload struct {
	// Data is NDJSON, one record per line, after optional compression.
	Data []byte
	// Records is the number of records encoded in Data.
	Records int
	// BatchID identifies the batch across retries.
	BatchID string
	// Encoding names the compression applied ("" means none).
	Encoding string
}

// Sink interface para destinos de lotes serializados.
// Append retornando nil significa que o payload foi aceito de forma durável;
// qualquer erro manda o lote para retry.
type Sink interface {
	Append(ctx context.Context, p Payload) error
	Start(ctx context.Context) error
	Stop() error
	IsHealthy() bool
	Name() string
}
