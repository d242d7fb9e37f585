// Package mt5 is a REST client for the MetaTrader 5 bridge that fronts the
// trading terminal.
package mt5

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// Config configures the bridge client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements domain.BrokerGateway against the bridge REST API.
// Trade submissions are never retried; a retried POST could fill twice.
type Client struct {
	http *resty.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: c}
}

// request forces JSON decoding; some bridge builds omit Content-Type.
func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).ForceContentType("application/json")
}

type apiError struct {
	Retcode int    `json:"retcode"`
	Error   string `json:"error"`
}

type connectRequest struct {
	Login    uint64 `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type tickResponse struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   int64           `json:"time"`
}

type symbolResponse struct {
	Name            string          `json:"name"`
	Point           decimal.Decimal `json:"point"`
	TradeStopsLevel int64           `json:"trade_stops_level"`
	Digits          int32           `json:"digits"`
}

type tradeRequest struct {
	Action      int             `json:"action"`
	Symbol      string          `json:"symbol"`
	Volume      decimal.Decimal `json:"volume"`
	Type        int             `json:"type"`
	Price       decimal.Decimal `json:"price"`
	SL          decimal.Decimal `json:"sl"`
	TP          decimal.Decimal `json:"tp"`
	Deviation   int             `json:"deviation"`
	Magic       int64           `json:"magic"`
	Comment     string          `json:"comment"`
	TypeFilling int             `json:"type_filling"`
	TypeTime    int             `json:"type_time"`
	Position    uint64          `json:"position,omitempty"`
}

type tradeResult struct {
	Retcode int             `json:"retcode"`
	Comment string          `json:"comment"`
	Order   uint64          `json:"order"`
	Deal    uint64          `json:"deal"`
	Price   decimal.Decimal `json:"price"`
	Volume  decimal.Decimal `json:"volume"`
}

type positionResponse struct {
	Ticket       uint64          `json:"ticket"`
	Symbol       string          `json:"symbol"`
	Type         int             `json:"type"`
	Volume       decimal.Decimal `json:"volume"`
	PriceOpen    decimal.Decimal `json:"price_open"`
	PriceCurrent decimal.Decimal `json:"price_current"`
	SL           decimal.Decimal `json:"sl"`
	TP           decimal.Decimal `json:"tp"`
	Profit       decimal.Decimal `json:"profit"`
	Swap         decimal.Decimal `json:"swap"`
	Magic        int64           `json:"magic"`
	Comment      string          `json:"comment"`
	Time         int64           `json:"time"`
}

// Connect logs the terminal into the account.
func (c *Client) Connect(ctx context.Context, creds domain.Credentials) error {
	var apiErr apiError
	resp, err := c.request(ctx).
		SetBody(connectRequest{Login: creds.Login, Password: creds.Password, Server: creds.Server}).
		SetError(&apiErr).
		Post("/connect")
	if err := transportError("connect", resp, err); err != nil {
		return err
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return fmt.Errorf("mt5: connect %d: %s: %w", creds.Login, apiErr.Error, domain.ErrUnauthorized)
	case resp.IsError():
		return fmt.Errorf("mt5: connect %d: status %d: %s: %w", creds.Login, resp.StatusCode(), apiErr.Error, domain.ErrConnectFailed)
	}
	return nil
}

// Quote returns the current bid/ask.
func (c *Client) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	var out tickResponse
	resp, err := c.request(ctx).
		SetPathParam("symbol", symbol).
		SetResult(&out).
		Get("/symbols/{symbol}/tick")
	if err := transportError("quote "+symbol, resp, err); err != nil {
		return domain.Quote{}, err
	}
	if err := statusError("quote "+symbol, resp); err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{
		Symbol: symbol,
		Bid:    out.Bid,
		Ask:    out.Ask,
		Time:   time.Unix(out.Time, 0).UTC(),
	}, nil
}

// SymbolConstraints returns point size, stops level and digits for symbol.
func (c *Client) SymbolConstraints(ctx context.Context, symbol string) (domain.SymbolConstraints, error) {
	var out symbolResponse
	resp, err := c.request(ctx).
		SetPathParam("symbol", symbol).
		SetResult(&out).
		Get("/symbols/{symbol}")
	if err := transportError("symbol "+symbol, resp, err); err != nil {
		return domain.SymbolConstraints{}, err
	}
	if err := statusError("symbol "+symbol, resp); err != nil {
		return domain.SymbolConstraints{}, err
	}
	return domain.SymbolConstraints{
		Symbol:                symbol,
		PointSize:             out.Point,
		MinStopDistancePoints: out.TradeStopsLevel,
		Digits:                out.Digits,
	}, nil
}

// SubmitOrder sends a deal or a pending order.
func (c *Client) SubmitOrder(ctx context.Context, req domain.TradeRequest) (*domain.TradeReceipt, error) {
	body, err := encodeTrade(req)
	if err != nil {
		return nil, err
	}
	return c.trade(ctx, "/orders", body, req)
}

// Position returns the live position, or nil when the terminal does not
// hold it.
func (c *Client) Position(ctx context.Context, ticket uint64) (*domain.PositionSnapshot, error) {
	var out positionResponse
	resp, err := c.request(ctx).
		SetPathParam("ticket", strconv.FormatUint(ticket, 10)).
		SetResult(&out).
		Get("/positions/{ticket}")
	if err := transportError("position", resp, err); err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := statusError("position", resp); err != nil {
		return nil, err
	}
	return &domain.PositionSnapshot{
		Ticket:       out.Ticket,
		Symbol:       out.Symbol,
		Side:         sideFromPositionType(out.Type),
		Volume:       out.Volume,
		PriceOpen:    out.PriceOpen,
		PriceCurrent: out.PriceCurrent,
		StopLoss:     out.SL,
		TakeProfit:   out.TP,
		Profit:       out.Profit,
		Swap:         out.Swap,
		Magic:        out.Magic,
		Comment:      out.Comment,
		OpenedAt:     time.Unix(out.Time, 0).UTC(),
	}, nil
}

// ClosePosition sends the offsetting deal for req.Ticket.
func (c *Client) ClosePosition(ctx context.Context, req domain.CloseRequest) (*domain.TradeReceipt, error) {
	echo := domain.TradeRequest{
		Action:    domain.TradeActionDeal,
		Symbol:    req.Symbol,
		Volume:    req.Volume,
		Kind:      dealKind(req.Side),
		Price:     req.Price,
		Deviation: req.Deviation,
		Magic:     req.Magic,
		Comment:   req.Comment,
		Fill:      domain.FillIOC,
		Position:  req.Ticket,
	}
	body, err := encodeTrade(echo)
	if err != nil {
		return nil, err
	}
	return c.trade(ctx, "/positions/"+strconv.FormatUint(req.Ticket, 10)+"/close", body, echo)
}

func (c *Client) trade(ctx context.Context, path string, body tradeRequest, echo domain.TradeRequest) (*domain.TradeReceipt, error) {
	var out tradeResult
	var apiErr apiError
	resp, err := c.request(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post(path)
	if err := transportError("trade "+path, resp, err); err != nil {
		return nil, err
	}
	if resp.IsError() {
		// the bridge refused the request before it reached the trade server
		return &domain.TradeReceipt{
			Accepted: false,
			RetCode:  apiErr.Retcode,
			Message:  apiErr.Error,
			Request:  echo,
		}, nil
	}
	return &domain.TradeReceipt{
		Accepted:    Accepted(out.Retcode),
		RetCode:     out.Retcode,
		Message:     out.Comment,
		OrderTicket: out.Order,
		DealTicket:  out.Deal,
		Price:       out.Price,
		Volume:      out.Volume,
		Request:     echo,
	}, nil
}

func encodeTrade(req domain.TradeRequest) (tradeRequest, error) {
	typ, ok := orderTypeCodes[req.Kind]
	if !ok {
		return tradeRequest{}, fmt.Errorf("mt5: order kind %q: %w", req.Kind, domain.ErrInvalidOrder)
	}
	action, ok := actionCodes[req.Action]
	if !ok {
		return tradeRequest{}, fmt.Errorf("mt5: trade action %q: %w", req.Action, domain.ErrInvalidOrder)
	}
	return tradeRequest{
		Action:      action,
		Symbol:      req.Symbol,
		Volume:      req.Volume,
		Type:        typ,
		Price:       req.Price,
		SL:          req.StopLoss,
		TP:          req.TakeProfit,
		Deviation:   req.Deviation,
		Magic:       req.Magic,
		Comment:     req.Comment,
		TypeFilling: fillingCode(req.Fill),
		TypeTime:    timeGTC,
		Position:    req.Position,
	}, nil
}

// transportError maps "no answer from the terminal" to ErrBrokerUnreachable:
// a failed round trip or a 5xx from the bridge.
func transportError(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("mt5: %s: %w", op, err)
		}
		return fmt.Errorf("mt5: %s: %w: %w", op, domain.ErrBrokerUnreachable, err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("mt5: %s: status %d: %w", op, resp.StatusCode(), domain.ErrBrokerUnreachable)
	}
	return nil
}

func statusError(op string, resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("mt5: %s: %w", op, domain.ErrNotFound)
	case resp.IsError():
		return fmt.Errorf("mt5: %s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}

var _ domain.BrokerGateway = (*Client)(nil)
