package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentSchemaVersion is written with every document.
const CurrentSchemaVersion = 2

// Stop states of a trailing stop record.
const (
	StopNone     = "NONE"
	StopActive   = "ACTIVE"
	StopReplaced = "REPLACED"
	StopClosed   = "CLOSED"
)

// StopRecord is the persisted form of a trailing stop owned by the stop
// manager. OrderID is opaque and owned by the exchange.
type StopRecord struct {
	Symbol           string    `json:"symbol"`
	BaseAsset        string    `json:"base_asset"`
	OrderID          string    `json:"order_id"`
	OrderType        string    `json:"order_type"`
	Quantity         float64   `json:"quantity"`
	EntryPrice       float64   `json:"entry_price"`
	HighestPriceSeen float64   `json:"highest_price_seen"`
	CurrentStopPrice float64   `json:"current_stop_price"`
	TrailingPercent  float64   `json:"trailing_percent"`
	State            string    `json:"state"`
	Active           bool      `json:"active"`
	Unprotected      bool      `json:"unprotected"`
	ReplaceCount     int       `json:"replace_count"`
	CreatedAt        time.Time `json:"created_at"`
	LastUpdated      time.Time `json:"last_updated"`
}

// PositionRecord is an open spot position entered by the cycle runner.
type PositionRecord struct {
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	EntryOrderID string    `json:"entry_order_id"`
}

type TradingState struct {
	Stops            map[string]StopRecord     `json:"stops"`
	Positions        map[string]PositionRecord `json:"positions"`
	ParameterVersion int                       `json:"parameter_version"`
}

type RiskState struct {
	ConsecutiveLosses int       `json:"consecutive_losses"`
	DailyPnLPct       float64   `json:"daily_pnl_pct"`
	DailyTrades       int       `json:"daily_trades"`
	DailyResetAt      time.Time `json:"daily_reset_at"`
}

type PerformanceState struct {
	Trades              int       `json:"trades"`
	Wins                int       `json:"wins"`
	Losses              int       `json:"losses"`
	CumulativeReturnPct float64   `json:"cumulative_return_pct"`
	LastTradeAt         time.Time `json:"last_trade_at"`
}

// Document is the versioned persisted state of the trading core.
type Document struct {
	SchemaVersion int              `json:"schema_version"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Trading       TradingState     `json:"trading_state"`
	Risk          RiskState        `json:"risk_state"`
	Performance   PerformanceState `json:"performance_state"`
}

// NewDocument returns the schema defaults.
func NewDocument() Document {
	return Document{
		SchemaVersion: CurrentSchemaVersion,
		Trading: TradingState{
			Stops:     make(map[string]StopRecord),
			Positions: make(map[string]PositionRecord),
		},
	}
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := d
	out.Trading.Stops = make(map[string]StopRecord, len(d.Trading.Stops))
	for k, v := range d.Trading.Stops {
		out.Trading.Stops[k] = v
	}
	out.Trading.Positions = make(map[string]PositionRecord, len(d.Trading.Positions))
	for k, v := range d.Trading.Positions {
		out.Trading.Positions[k] = v
	}
	return out
}

// v1 documents kept stops in a flat map and had no risk/performance sections.
type documentV1 struct {
	Version       int                       `json:"version"`
	TrailingStops map[string]StopRecord     `json:"trailing_stops"`
	Positions     map[string]PositionRecord `json:"positions"`
	SavedAt       time.Time                 `json:"saved_at"`
}

// decodeDocument parses raw bytes, migrating older schemas on read.
func decodeDocument(data []byte) (Document, error) {
	var head struct {
		SchemaVersion *int `json:"schema_version"`
		Version       *int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Document{}, fmt.Errorf("parse state: %w", err)
	}

	switch {
	case head.SchemaVersion != nil && *head.SchemaVersion == CurrentSchemaVersion:
		doc := NewDocument()
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("parse state v%d: %w", CurrentSchemaVersion, err)
		}
		normalize(&doc)
		return doc, nil

	case head.SchemaVersion != nil && *head.SchemaVersion > CurrentSchemaVersion:
		return Document{}, fmt.Errorf("state schema %d is newer than supported %d", *head.SchemaVersion, CurrentSchemaVersion)

	case head.SchemaVersion == nil && head.Version != nil && *head.Version == 1:
		var v1 documentV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return Document{}, fmt.Errorf("parse state v1: %w", err)
		}
		return migrateV1(v1), nil
	}

	return Document{}, fmt.Errorf("unrecognised state schema")
}

func migrateV1(v1 documentV1) Document {
	doc := NewDocument()
	doc.UpdatedAt = v1.SavedAt
	for symbol, rec := range v1.TrailingStops {
		if rec.Symbol == "" {
			rec.Symbol = symbol
		}
		if rec.State == "" {
			if rec.Active {
				rec.State = StopActive
			} else {
				rec.State = StopClosed
			}
		}
		doc.Trading.Stops[symbol] = rec
	}
	for symbol, pos := range v1.Positions {
		doc.Trading.Positions[symbol] = pos
	}
	return doc
}

func normalize(doc *Document) {
	if doc.Trading.Stops == nil {
		doc.Trading.Stops = make(map[string]StopRecord)
	}
	if doc.Trading.Positions == nil {
		doc.Trading.Positions = make(map[string]PositionRecord)
	}
}
