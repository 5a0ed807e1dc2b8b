package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/schema"
)

// TradeFeeder replays historical trades from CSV rows of
// timestamp_ms,price,qty,symbol. The first row is a header.
type TradeFeeder struct {
	reader  *csv.Reader
	channel string
	seq     uint64
}

// NewTradeFeeder wraps r and consumes the header row.
func NewTradeFeeder(r io.Reader, channel string) (*TradeFeeder, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if strings.TrimSpace(channel) == "" {
		channel = "replay"
	}
	return &TradeFeeder{reader: reader, channel: channel}, nil
}

// Next returns the next trade event or io.EOF.
func (f *TradeFeeder) Next() (schema.Event, error) {
	record, err := f.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return schema.Event{}, io.EOF
		}
		return schema.Event{}, fmt.Errorf("read csv record: %w", err)
	}
	if len(record) < 4 {
		return schema.Event{}, fmt.Errorf("trade row has %d fields, want 4", len(record))
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return schema.Event{}, fmt.Errorf("parse timestamp: %w", err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(record[1]))
	if err != nil {
		return schema.Event{}, fmt.Errorf("parse price: %w", err)
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(record[2]))
	if err != nil {
		return schema.Event{}, fmt.Errorf("parse qty: %w", err)
	}
	at := time.UnixMilli(ms).UTC()
	f.seq++
	evt := schema.NewEvent(f.channel, strings.ToUpper(strings.TrimSpace(record[3])), f.seq, schema.Trade{
		AggID:     f.seq,
		Price:     price,
		Qty:       qty,
		TradeTime: at,
	})
	evt.EventTime = at
	evt.Received = at
	return evt, nil
}
