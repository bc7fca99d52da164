package dhan

// Exchange segment keys as the broker expects them
const (
	SegmentNSEEquity     = "NSE_EQ"
	SegmentNSEDerivative = "NSE_FNO"
	SegmentNSECurrency   = "NSE_CURRENCY"
	SegmentBSEEquity     = "BSE_EQ"
	SegmentMCXCommodity  = "MCX_COMM"
	SegmentIndex         = "IDX_I"
)

// Instrument kind codes for chart queries
const (
	InstrumentEquity      = "EQUITY"
	InstrumentIndex       = "INDEX"
	InstrumentFutureIndex = "FUTIDX"
	InstrumentFutureStock = "FUTSTK"
	InstrumentOptionIndex = "OPTIDX"
	InstrumentOptionStock = "OPTSTK"
)

// Transaction and order field values
const (
	TransactionBuy  = "BUY"
	TransactionSell = "SELL"

	OrderTypeMarket         = "MARKET"
	OrderTypeLimit          = "LIMIT"
	OrderTypeStopLoss       = "STOP_LOSS"
	OrderTypeStopLossMarket = "STOP_LOSS_MARKET"

	ProductCNC      = "CNC"
	ProductIntraday = "INTRADAY"
	ProductMargin   = "MARGIN"

	LegEntry    = "ENTRY_LEG"
	LegTarget   = "TARGET_LEG"
	LegStopLoss = "STOP_LOSS_LEG"
)

// OHLC holds open/high/low/close for a quote snapshot
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Quote is a full market quote for one instrument
type Quote struct {
	LastPrice         float64 `json:"last_price"`
	AveragePrice      float64 `json:"average_price"`
	Volume            int64   `json:"volume"`
	BuyQuantity       int64   `json:"buy_quantity"`
	SellQuantity      int64   `json:"sell_quantity"`
	OHLC              OHLC    `json:"ohlc"`
	NetChange         float64 `json:"net_change"`
	UpperCircuitLimit float64 `json:"upper_circuit_limit"`
	LowerCircuitLimit float64 `json:"lower_circuit_limit"`
}

// Candle is one OHLCV bar from the charts endpoints
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ChartRequest describes an intraday or historical chart query
type ChartRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	Interval        string `json:"interval,omitempty"` // minutes, intraday only
	ExpiryCode      int    `json:"expiryCode,omitempty"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
}

// chartResponse is the column-oriented wire shape of the charts endpoints
type chartResponse struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []float64 `json:"volume"`
	Timestamp []int64   `json:"timestamp"`
}

// OptionChainRequest identifies an underlying and expiry
type OptionChainRequest struct {
	UnderlyingScrip int    `json:"UnderlyingScrip"`
	UnderlyingSeg   string `json:"UnderlyingSeg"`
	Expiry          string `json:"Expiry"`
}

// OptionLeg is one side (CE or PE) of a strike
type OptionLeg struct {
	LastPrice         float64 `json:"last_price"`
	ImpliedVolatility float64 `json:"implied_volatility"`
	OI                int64   `json:"oi"`
	PreviousOI        int64   `json:"previous_oi"`
	Volume            int64   `json:"volume"`
	TopAskPrice       float64 `json:"top_ask_price"`
	TopBidPrice       float64 `json:"top_bid_price"`
}

// OptionStrike pairs the call and put legs at one strike
type OptionStrike struct {
	CE *OptionLeg `json:"ce,omitempty"`
	PE *OptionLeg `json:"pe,omitempty"`
}

// OptionChain is the full chain for one expiry
type OptionChain struct {
	LastPrice float64                 `json:"last_price"`
	Strikes   map[string]OptionStrike `json:"oc"`
}

// Position is one broker-side position row
type Position struct {
	TradingSymbol    string  `json:"tradingSymbol"`
	SecurityID       string  `json:"securityId"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	PositionType     string  `json:"positionType"` // LONG, SHORT, CLOSED
	ProductType      string  `json:"productType"`
	BuyAvg           float64 `json:"buyAvg"`
	SellAvg          float64 `json:"sellAvg"`
	NetQty           int64   `json:"netQty"`
	RealizedProfit   float64 `json:"realizedProfit"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
}

// OrderRequest is a plain single-leg order
type OrderRequest struct {
	DhanClientID    string  `json:"dhanClientId"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	SecurityID      string  `json:"securityId"`
	Quantity        int64   `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	TriggerPrice    float64 `json:"triggerPrice,omitempty"`
	Validity        string  `json:"validity,omitempty"`
}

// SuperOrderRequest is a bracket order: entry plus stop-loss and target legs
type SuperOrderRequest struct {
	DhanClientID    string  `json:"dhanClientId"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	SecurityID      string  `json:"securityId"`
	Quantity        int64   `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	TargetPrice     float64 `json:"targetPrice"`
	StopLossPrice   float64 `json:"stopLossPrice"`
	TrailingJump    float64 `json:"trailingJump,omitempty"`
}

// ModifySuperOrderRequest adjusts one leg of an existing super order
type ModifySuperOrderRequest struct {
	OrderID       string  `json:"orderId"`
	LegName       string  `json:"legName"`
	Quantity      int64   `json:"quantity,omitempty"`
	Price         float64 `json:"price,omitempty"`
	TargetPrice   float64 `json:"targetPrice,omitempty"`
	StopLossPrice float64 `json:"stopLossPrice,omitempty"`
	TrailingJump  float64 `json:"trailingJump,omitempty"`
}

// OrderResponse is the broker's acknowledgement for order operations
type OrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}
