package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/raykavin/sarbridge/core"
)

// wireTimeLayout is the timestamp format the EA puts on the wire.
const wireTimeLayout = "2006-01-02 15:04:05"

// Inbound frame discriminators.
const (
	typeMarketData  = "market_data"
	typePosition    = "position"
	typeRates       = "rates"
	typeOrderResult = "order_result"
	typeResponse    = "response"
	typeHeartbeat   = "heartbeat"
)

// Outbound actions.
const (
	actionBuy          = "BUY"
	actionSell         = "SELL"
	actionClose        = "CLOSE"
	actionModify       = "MODIFY"
	actionGetPositions = "GET_POSITIONS"
	actionGetRates     = "GET_RATES"
)

// envelope peeks the discriminator before full decoding.
type envelope struct {
	Type string `json:"type"`
}

type marketDataMsg struct {
	Symbol       string  `json:"symbol"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Spread       int     `json:"spread"`
	Time         string  `json:"time"`
	Point        float64 `json:"point"`
	Digits       int     `json:"digits"`
	ContractSize float64 `json:"contract_size"`
	MinLot       float64 `json:"min_lot"`
	MaxLot       float64 `json:"max_lot"`
	LotStep      float64 `json:"lot_step"`

	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	Margin        float64 `json:"margin"`
	FreeMargin    float64 `json:"free_margin"`
	Profit        float64 `json:"profit"`
	Leverage      int     `json:"leverage"`
	OpenPositions int     `json:"open_positions"`
}

type positionMsg struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	PosType      string  `json:"pos_type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Comment      string  `json:"comment"`
}

type barMsg struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type ratesMsg struct {
	Data []barMsg `json:"data"`
}

type orderResultMsg struct {
	Success bool    `json:"success"`
	Action  string  `json:"action"`
	Ticket  int64   `json:"ticket"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	SL      float64 `json:"sl"`
	TP      float64 `json:"tp"`
	Message string  `json:"message,omitempty"`
}

type responseMsg struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type heartbeatMsg struct {
	Time   string `json:"time"`
	Status string `json:"status"`
}

// command is the single outbound frame shape; unset fields are omitted
// so a CLOSE carries only action and ticket.
type command struct {
	Action    string  `json:"action"`
	Volume    float64 `json:"volume,omitempty"`
	SL        float64 `json:"sl,omitempty"`
	TP        float64 `json:"tp,omitempty"`
	Comment   string  `json:"comment,omitempty"`
	Ticket    int64   `json:"ticket,omitempty"`
	Count     int     `json:"count,omitempty"`
	Timeframe int     `json:"timeframe,omitempty"`
}

func (c command) encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// parseWireTime tolerates a missing or malformed timestamp by falling
// back to now; frames are latest-wins so an imprecise stamp is harmless.
func parseWireTime(s string) time.Time {
	t, err := time.ParseInLocation(wireTimeLayout, s, time.Local)
	if err != nil {
		return time.Now()
	}
	return t
}

func (m marketDataMsg) tick(receivedAt time.Time) core.Tick {
	return core.Tick{
		Symbol:       m.Symbol,
		Bid:          m.Bid,
		Ask:          m.Ask,
		Spread:       m.Spread,
		Time:         parseWireTime(m.Time),
		Point:        m.Point,
		Digits:       m.Digits,
		ContractSize: m.ContractSize,
		MinLot:       m.MinLot,
		MaxLot:       m.MaxLot,
		LotStep:      m.LotStep,
		ReceivedAt:   receivedAt,
	}
}

func (m marketDataMsg) account() core.AccountSnapshot {
	return core.AccountSnapshot{
		Balance:       m.Balance,
		Equity:        m.Equity,
		Margin:        m.Margin,
		FreeMargin:    m.FreeMargin,
		Profit:        m.Profit,
		Leverage:      m.Leverage,
		OpenPositions: m.OpenPositions,
	}
}

func (m positionMsg) position() (core.Position, error) {
	var side core.SideType
	switch m.PosType {
	case "BUY":
		side = core.SideTypeBuy
	case "SELL":
		side = core.SideTypeSell
	default:
		return core.Position{}, fmt.Errorf("unknown pos_type %q", m.PosType)
	}

	return core.Position{
		Ticket:       m.Ticket,
		Symbol:       m.Symbol,
		Side:         side,
		Volume:       m.Volume,
		PriceOpen:    m.PriceOpen,
		PriceCurrent: m.PriceCurrent,
		SL:           m.SL,
		TP:           m.TP,
		Profit:       m.Profit,
		Comment:      m.Comment,
	}, nil
}

func (m ratesMsg) bars() []core.Bar {
	bars := make([]core.Bar, 0, len(m.Data))
	for _, b := range m.Data {
		bars = append(bars, core.Bar{
			Time:   parseWireTime(b.Time),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	return bars
}

func (m orderResultMsg) result() core.OrderResult {
	return core.OrderResult{
		Success: m.Success,
		Action:  core.SideType(m.Action),
		Ticket:  m.Ticket,
		Volume:  m.Volume,
		Price:   m.Price,
		SL:      m.SL,
		TP:      m.TP,
		Message: m.Message,
	}
}
