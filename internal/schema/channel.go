// Package schema defines channel keys, wire frames, and typed inbound updates.
package schema

import (
	"strings"

	"github.com/lumetrade/streamcore/errs"
)

// ChannelType identifies a category of server-pushed updates.
type ChannelType string

const (
	// ChannelPrice carries market price updates for an asset.
	ChannelPrice ChannelType = "price"
	// ChannelPosition carries position valuation updates for a wallet.
	ChannelPosition ChannelType = "position"
	// ChannelFill carries execution updates for an order.
	ChannelFill ChannelType = "fill"
)

// PriceChannel returns the channel key for an asset's price stream.
func PriceChannel(assetID string) string {
	return string(ChannelPrice) + "." + assetID
}

// PositionChannel returns the channel key for a wallet's position stream.
func PositionChannel(walletAddress string) string {
	return string(ChannelPosition) + "." + walletAddress
}

// FillChannel returns the channel key for an order's fill stream.
func FillChannel(orderID string) string {
	return string(ChannelFill) + "." + orderID
}

// ParseChannel splits a channel key of the form "<type>.<id>".
func ParseChannel(key string) (ChannelType, string, error) {
	typ, id, ok := strings.Cut(key, ".")
	if !ok || typ == "" || id == "" {
		return "", "", errs.New("schema/channel", errs.CodeInvalid,
			errs.WithMessage("channel key must be of the form <type>.<id>"))
	}
	return ChannelType(typ), id, nil
}

// RequiresAuth reports whether the channel key names authenticated data.
// Position and fill channels expose wallet-scoped state and are gated by
// the delegated-trading credential.
func RequiresAuth(key string) bool {
	typ, _, err := ParseChannel(key)
	if err != nil {
		return false
	}
	return typ == ChannelPosition || typ == ChannelFill
}
