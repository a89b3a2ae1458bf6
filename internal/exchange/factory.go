package exchange

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{
	"bybit",
	"bitget",
	"okx",
	"gate",
	"htx",
	"bingx",
}

// NewExchange создает новый экземпляр биржи по имени
func NewExchange(name string, log *zap.Logger) (Exchange, error) {
	name = strings.ToLower(name)

	switch name {
	case "bybit":
		return NewBybit(log), nil
	case "bitget":
		return NewBitget(log), nil
	case "okx":
		return NewOKX(log), nil
	case "gate":
		return NewGate(log), nil
	case "htx":
		return NewHTX(log), nil
	case "bingx":
		return NewBingX(log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
