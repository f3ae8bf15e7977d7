package binance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"mmagent/internal/tradingapi"
)

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseOrderID(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}

func mapSideOut(s tradingapi.Side) binance.SideType {
	if s == tradingapi.SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func mapSideIn(s string) tradingapi.Side {
	if strings.EqualFold(s, "SELL") {
		return tradingapi.SideSell
	}
	return tradingapi.SideBuy
}

func mapStatusIn(s string) tradingapi.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return tradingapi.StatusNew
	case "PARTIALLY_FILLED":
		return tradingapi.StatusPartFilled
	case "FILLED":
		return tradingapi.StatusFilled
	case "CANCELED", "PENDING_CANCEL", "EXPIRED", "REJECTED":
		return tradingapi.StatusCancelled
	default:
		return tradingapi.StatusUnknown
	}
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "Unknown order") || strings.Contains(err.Error(), "-2013")
}

func isAlreadyClosed(err error) bool {
	return strings.Contains(err.Error(), "-2011") // CANCEL_REJECTED: order already filled/cancelled
}

func isRejection(err error) bool {
	return strings.Contains(err.Error(), "-1013") || strings.Contains(err.Error(), "-2010") || strings.Contains(fmt.Sprint(err), "insufficient")
}
