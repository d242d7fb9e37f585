package mt5

import "github.com/alanyoungcy/orderbridge/internal/domain"

// Trade server return codes that mean the request was taken.
const (
	RetcodePlaced      = 10008
	RetcodeDone        = 10009
	RetcodeDonePartial = 10010
)

// Accepted reports whether retcode is one of the success codes.
func Accepted(retcode int) bool {
	switch retcode {
	case RetcodePlaced, RetcodeDone, RetcodeDonePartial:
		return true
	}
	return false
}

// TRADE_ACTION_*
const (
	actionDeal    = 1
	actionPending = 5
)

// ORDER_FILLING_*
const (
	fillingFOK    = 0
	fillingIOC    = 1
	fillingReturn = 2
)

// ORDER_TIME_GTC
const timeGTC = 0

// POSITION_TYPE_*
const (
	positionBuy  = 0
	positionSell = 1
)

var orderTypeCodes = map[domain.OrderKind]int{
	domain.OrderKindBuy:       0,
	domain.OrderKindSell:      1,
	domain.OrderKindBuyLimit:  2,
	domain.OrderKindSellLimit: 3,
	domain.OrderKindBuyStop:   4,
	domain.OrderKindSellStop:  5,
}

var actionCodes = map[domain.TradeAction]int{
	domain.TradeActionDeal:    actionDeal,
	domain.TradeActionPending: actionPending,
}

func fillingCode(f domain.FillPolicy) int {
	switch f {
	case domain.FillFOK:
		return fillingFOK
	case domain.FillReturn:
		return fillingReturn
	}
	return fillingIOC
}

func sideFromPositionType(t int) domain.Side {
	if t == positionSell {
		return domain.SideSell
	}
	return domain.SideBuy
}

func dealKind(side domain.Side) domain.OrderKind {
	if side == domain.SideSell {
		return domain.OrderKindSell
	}
	return domain.OrderKindBuy
}
