package models

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// ENVELOPE //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// User data stream event types.
const (
	EventAccountUpdate       = "ACCOUNT_UPDATE"
	EventOrderTradeUpdate    = "ORDER_TRADE_UPDATE"
	EventAccountConfigUpdate = "ACCOUNT_CONFIG_UPDATE"
	EventListenKeyExpired    = "listenKeyExpired"
	EventTradeLite           = "TRADE_LITE"
	EventMarginCall          = "MARGIN_CALL"
)

// UserDataEnvelope carries the fields shared by every user data stream event.
type UserDataEnvelope struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	TransactionTime int64  `json:"T"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////// ACCOUNT_UPDATE ///////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// AccountUpdateEvent mirrors the ACCOUNT_UPDATE payload.
type AccountUpdateEvent struct {
	UserDataEnvelope
	Data *AccountUpdateData `json:"a"`
}

// AccountUpdateData holds the balance and position changes of one update.
type AccountUpdateData struct {
	Reason    string          `json:"m"`
	Positions []PositionEntry `json:"P"`
}

// PositionEntry is one instrument entry of an ACCOUNT_UPDATE. Amount is a
// pointer so a missing field can be told apart from a zero amount.
type PositionEntry struct {
	Symbol              string  `json:"s"`
	PositionSide        string  `json:"ps"`
	Amount              *string `json:"pa"`
	EntryPrice          string  `json:"ep"`
	BreakEvenPrice      string  `json:"bep"`
	AccumulatedRealized string  `json:"cr"`
	UnrealizedPnl       string  `json:"up"`
	MarginType          string  `json:"mt"`
	IsolatedWallet      string  `json:"iw"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////// ORDER_TRADE_UPDATE /////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// OrderTradeUpdateEvent mirrors the ORDER_TRADE_UPDATE payload.
type OrderTradeUpdateEvent struct {
	UserDataEnvelope
	Order *OrderTradeData `json:"o"`
}

// OrderTradeData carries the fill information of one order update.
type OrderTradeData struct {
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	ExecutionType   string `json:"x"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	LastFilledQty   string `json:"l"`
	FilledQty       string `json:"z"`
	LastFilledPrice string `json:"L"`
	AveragePrice    string `json:"ap"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeTime       int64  `json:"T"`
	ReduceOnly      bool   `json:"R"`
	PositionSide    string `json:"ps"`
	RealizedProfit  string `json:"rp"`
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////// ACCOUNT_CONFIG_UPDATE ///////////////////////////
/////////////////////////////////////////////////////////////////////////////

// AccountConfigUpdateEvent mirrors the ACCOUNT_CONFIG_UPDATE payload.
type AccountConfigUpdateEvent struct {
	UserDataEnvelope
	Leverage *LeverageConfig `json:"ac"`
}

// LeverageConfig reports a leverage change for one symbol.
type LeverageConfig struct {
	Symbol   string `json:"s"`
	Leverage int    `json:"l"`
}
