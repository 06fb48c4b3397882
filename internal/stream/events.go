package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// OrderUpdateEvent is a parsed executionReport from the user-data stream.
// Quantities are cumulative as reported by the exchange; consumers derive
// per-fill deltas against their own ledger.
type OrderUpdateEvent struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Side            string
	OrderType       string
	Qty             float64
	Price           float64
	Status          string
	CumFilledQty    float64
	CumQuoteQty     float64
	Commission      float64
	CommissionAsset string
	TradeTime       int64
}

// KlineUpdateEvent is a parsed candlestick update.
type KlineUpdateEvent struct {
	Symbol    string
	Interval  string
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool
}

// TradeUpdateEvent is a parsed public trade.
type TradeUpdateEvent struct {
	Symbol       string
	Price        float64
	Qty          float64
	TradeTime    int64
	IsBuyerMaker bool
}

// TickerUpdateEvent is a parsed 24h rolling ticker.
type TickerUpdateEvent struct {
	Symbol         string
	LastPrice      float64
	PriceChange    float64
	PriceChangePct float64
	Volume         float64
	EventTime      int64
}

// EventHandler is the single dispatch capability: one method per event
// type, so the layer never introspects callback shapes.
type EventHandler interface {
	OnOrderUpdate(OrderUpdateEvent)
	OnKline(KlineUpdateEvent)
	OnTrade(TradeUpdateEvent)
	OnTicker(TickerUpdateEvent)
}

func parseOrderUpdate(data []byte) (OrderUpdateEvent, error) {
	var raw struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		OrderID         int64  `json:"i"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		Qty             string `json:"q"`
		Price           string `json:"p"`
		Status          string `json:"X"`
		CumFilledQty    string `json:"z"`
		CumQuoteQty     string `json:"Z"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TradeTime       int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return OrderUpdateEvent{}, fmt.Errorf("parse executionReport: %w", err)
	}
	return OrderUpdateEvent{
		Symbol:          raw.Symbol,
		ClientOrderID:   raw.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		Side:            raw.Side,
		OrderType:       raw.OrderType,
		Qty:             toFloat(raw.Qty),
		Price:           toFloat(raw.Price),
		Status:          raw.Status,
		CumFilledQty:    toFloat(raw.CumFilledQty),
		CumQuoteQty:     toFloat(raw.CumQuoteQty),
		Commission:      toFloat(raw.Commission),
		CommissionAsset: raw.CommissionAsset,
		TradeTime:       raw.TradeTime,
	}, nil
}

func parseKlineUpdate(data []byte) (KlineUpdateEvent, error) {
	var raw struct {
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			IsFinal   bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return KlineUpdateEvent{}, fmt.Errorf("parse kline: %w", err)
	}
	return KlineUpdateEvent{
		Symbol:    raw.Symbol,
		Interval:  raw.Kline.Interval,
		OpenTime:  raw.Kline.OpenTime,
		CloseTime: raw.Kline.CloseTime,
		Open:      toFloat(raw.Kline.Open),
		High:      toFloat(raw.Kline.High),
		Low:       toFloat(raw.Kline.Low),
		Close:     toFloat(raw.Kline.Close),
		Volume:    toFloat(raw.Kline.Volume),
		IsFinal:   raw.Kline.IsFinal,
	}, nil
}

func parseTradeUpdate(data []byte) (TradeUpdateEvent, error) {
	var raw struct {
		Symbol       string `json:"s"`
		Price        string `json:"p"`
		Qty          string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return TradeUpdateEvent{}, fmt.Errorf("parse trade: %w", err)
	}
	return TradeUpdateEvent{
		Symbol:       raw.Symbol,
		Price:        toFloat(raw.Price),
		Qty:          toFloat(raw.Qty),
		TradeTime:    raw.TradeTime,
		IsBuyerMaker: raw.IsBuyerMaker,
	}, nil
}

func parseTickerUpdate(data []byte) (TickerUpdateEvent, error) {
	var raw struct {
		Symbol         string `json:"s"`
		LastPrice      string `json:"c"`
		PriceChange    string `json:"p"`
		PriceChangePct string `json:"P"`
		Volume         string `json:"v"`
		EventTime      int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return TickerUpdateEvent{}, fmt.Errorf("parse ticker: %w", err)
	}
	return TickerUpdateEvent{
		Symbol:         raw.Symbol,
		LastPrice:      toFloat(raw.LastPrice),
		PriceChange:    toFloat(raw.PriceChange),
		PriceChangePct: toFloat(raw.PriceChangePct),
		Volume:         toFloat(raw.Volume),
		EventTime:      raw.EventTime,
	}, nil
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
