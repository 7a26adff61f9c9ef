package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset is the latest known market snapshot for one tradable asset.
// Instances originate from an initial REST fetch; stream pushes only
// merge fields into an existing entry.
type Asset struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Change24h        decimal.Decimal `json:"change24h"`
	ChangePercent24h decimal.Decimal `json:"changePercent24h"`
	Volume24h        decimal.Decimal `json:"volume24h"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Position is the latest known snapshot for one open position.
type Position struct {
	ID                   string          `json:"id"`
	AssetID              string          `json:"assetId"`
	Size                 decimal.Decimal `json:"size"`
	EntryPrice           decimal.Decimal `json:"entryPrice"`
	CurrentValue         decimal.Decimal `json:"currentValue"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealizedPnlPercent"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}
