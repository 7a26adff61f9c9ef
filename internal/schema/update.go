package schema

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// UpdateType identifies the discriminant tag of an inbound update frame.
type UpdateType string

const (
	// UpdatePrice tags market price updates.
	UpdatePrice UpdateType = "price"
	// UpdatePosition tags position valuation updates.
	UpdatePosition UpdateType = "position"
	// UpdateFill tags order execution updates.
	UpdateFill UpdateType = "fill"
	// UpdateUnrecognized tags frames the decoder could not interpret.
	UpdateUnrecognized UpdateType = "unrecognized"
)

// Update is the tagged union of inbound stream updates.
type Update interface {
	UpdateType() UpdateType
}

// PriceUpdate is an incremental market data push for one asset.
type PriceUpdate struct {
	AssetID          string          `json:"assetId"`
	Price            decimal.Decimal `json:"price"`
	Change24h        decimal.Decimal `json:"change24h"`
	ChangePercent24h decimal.Decimal `json:"changePercent24h"`
	Volume24h        decimal.Decimal `json:"volume24h"`
	Timestamp        time.Time       `json:"-"`
}

// UpdateType implements Update.
func (PriceUpdate) UpdateType() UpdateType { return UpdatePrice }

// PositionUpdate is an incremental valuation push for one position.
type PositionUpdate struct {
	PositionID           string          `json:"positionId"`
	CurrentValue         decimal.Decimal `json:"currentValue"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealizedPnlPercent"`
	Timestamp            time.Time       `json:"-"`
}

// UpdateType implements Update.
func (PositionUpdate) UpdateType() UpdateType { return UpdatePosition }

// ExecutedLeg describes one executed slice of an order.
type ExecutedLeg struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// FillUpdate reports execution progress for an order.
type FillUpdate struct {
	OrderID      string          `json:"orderId"`
	PositionID   string          `json:"positionId"`
	Status       string          `json:"status"`
	ExecutedLegs []ExecutedLeg   `json:"executedLegs,omitempty"`
	TotalFees    decimal.Decimal `json:"totalFees"`
	Timestamp    time.Time       `json:"-"`
	Message      string          `json:"message,omitempty"`
}

// UpdateType implements Update.
func (FillUpdate) UpdateType() UpdateType { return UpdateFill }

// UnrecognizedUpdate preserves frames with unknown tags or undecodable
// payloads so the dispatcher can count and drop them.
type UnrecognizedUpdate struct {
	Tag string
	Raw []byte
}

// UpdateType implements Update.
func (UnrecognizedUpdate) UpdateType() UpdateType { return UpdateUnrecognized }

type envelope struct {
	Type        string `json:"type"`
	TimestampMS int64  `json:"timestamp"`
}

// DecodeUpdate interprets a raw inbound frame using its type discriminant.
// Unknown tags and malformed payloads for known tags both decode to
// UnrecognizedUpdate; the stream stays forward-compatible and no frame is fatal.
func DecodeUpdate(data []byte) Update {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return UnrecognizedUpdate{Tag: "", Raw: data}
	}

	ts := time.UnixMilli(env.TimestampMS).UTC()

	switch UpdateType(env.Type) {
	case UpdatePrice:
		var u PriceUpdate
		if err := json.Unmarshal(data, &u); err != nil || u.AssetID == "" {
			return UnrecognizedUpdate{Tag: env.Type, Raw: data}
		}
		u.Timestamp = ts
		return u
	case UpdatePosition:
		var u PositionUpdate
		if err := json.Unmarshal(data, &u); err != nil || u.PositionID == "" {
			return UnrecognizedUpdate{Tag: env.Type, Raw: data}
		}
		u.Timestamp = ts
		return u
	case UpdateFill:
		var u FillUpdate
		if err := json.Unmarshal(data, &u); err != nil || u.OrderID == "" {
			return UnrecognizedUpdate{Tag: env.Type, Raw: data}
		}
		u.Timestamp = ts
		return u
	default:
		return UnrecognizedUpdate{Tag: env.Type, Raw: data}
	}
}
