package broker

// Wire types for the broker's v3 REST trading API. The order response
// contract is canonical: orderFillTransaction and orderCreateTransaction are
// single JSON objects when present.

// marketOrder is the payload body for POST /v3/accounts/{id}/orders.
type marketOrder struct {
	Order orderBody `json:"order"`
}

type orderBody struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	TimeInForce      string            `json:"timeInForce"`
	PositionFill     string            `json:"positionFill"`
	ClientExtensions *clientExtensions `json:"clientExtensions,omitempty"`
	StopLossOnFill   *priceBound       `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *priceBound       `json:"takeProfitOnFill,omitempty"`
}

type clientExtensions struct {
	ID  string `json:"id"`
	Tag string `json:"tag,omitempty"`
}

type priceBound struct {
	Price string `json:"price"`
}

// Transaction mirrors the broker transaction objects embedded in order
// responses. Only the fields the executor classifies on are decoded.
type Transaction struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Instrument   string `json:"instrument"`
	Units        string `json:"units"`
	Price        string `json:"price"`
	Reason       string `json:"reason"`
	Time         string `json:"time"`
	OrderID      string `json:"orderID"`
	RequestedQty string `json:"requestedUnits"`
}

// OrderResponse is the 201 body returned by the order endpoint.
type OrderResponse struct {
	OrderCreateTransaction *Transaction `json:"orderCreateTransaction"`
	OrderFillTransaction   *Transaction `json:"orderFillTransaction"`
	LastTransactionID      string       `json:"lastTransactionID"`
}

// Filled reports whether the submission produced an immediate fill.
func (r *OrderResponse) Filled() bool {
	return r != nil && r.OrderFillTransaction != nil
}

// Created reports whether the submission produced an order-create
// transaction without a fill.
func (r *OrderResponse) Created() bool {
	return r != nil && r.OrderFillTransaction == nil && r.OrderCreateTransaction != nil
}

type errorBody struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// AccountSummary is the decoded GET /v3/accounts/{id} body used for health
// checks and auth validation.
type AccountSummary struct {
	Account struct {
		ID       string `json:"id"`
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
	} `json:"account"`
	LastTransactionID string `json:"lastTransactionID"`
}
