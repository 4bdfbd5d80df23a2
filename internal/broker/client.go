package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/meridianfx/execgate/errs"
)

const maxErrorBodyBytes = 4 << 10

// OrderTicket describes a market order submission at the wire boundary.
// Units are signed: positive buys, negative sells.
type OrderTicket struct {
	ClientOrderID string
	Instrument    string
	Units         decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
}

// Client issues authenticated REST calls against the broker trading API.
// A single client is safe for concurrent use; order submissions share one
// rate limiter so retry bursts cannot trip broker-side limits.
type Client struct {
	httpClient *http.Client
	session    Session
	limiter    *rate.Limiter
}

// ClientConfig carries client construction knobs.
type ClientConfig struct {
	HTTPTimeout  time.Duration
	OrdersPerSec float64
}

// NewClient constructs a REST client bound to the supplied session.
func NewClient(session Session, cfg ClientConfig) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSec := cfg.OrdersPerSec
	if perSec <= 0 {
		perSec = 20
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		session:    session,
		limiter:    rate.NewLimiter(rate.Limit(perSec), 1),
	}
}

// Session returns the session the client authenticates with.
func (c *Client) Session() Session {
	return c.session
}

// CheckAccount performs the lightweight authenticated GET used for health
// checks and session validation.
func (c *Client) CheckAccount(ctx context.Context) (*AccountSummary, error) {
	endpoint := fmt.Sprintf("%s/v3/accounts/%s", strings.TrimRight(c.session.BaseURL, "/"), c.session.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create account request: %w", err)
	}
	c.sign(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.New(c.session.brokerName(), errs.CodeNetwork,
			errs.WithMessage("account check failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var summary AccountSummary
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&summary); err != nil {
		return nil, fmt.Errorf("decode account summary: %w", err)
	}
	return &summary, nil
}

// SubmitOrder posts a market order and decodes the transaction response.
// Non-201 statuses and transport failures come back as *errs.E; callers
// convert them into rejection outcomes rather than propagating them.
func (c *Client) SubmitOrder(ctx context.Context, ticket OrderTicket) (*OrderResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New(c.session.brokerName(), errs.CodeRateLimited,
			errs.WithMessage("order throttle wait aborted"), errs.WithCause(err))
	}

	payload := marketOrder{
		Order: orderBody{
			Type:         "MARKET",
			Instrument:   strings.TrimSpace(ticket.Instrument),
			Units:        ticket.Units.String(),
			TimeInForce:  "FOK",
			PositionFill: "DEFAULT",
			ClientExtensions: &clientExtensions{
				ID:  ticket.ClientOrderID,
				Tag: "execgate",
			},
		},
	}
	if ticket.StopLoss != nil {
		payload.Order.StopLossOnFill = &priceBound{Price: ticket.StopLoss.String()}
	}
	if ticket.TakeProfit != nil {
		payload.Order.TakeProfitOnFill = &priceBound{Price: ticket.TakeProfit.String()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v3/accounts/%s/orders", strings.TrimRight(c.session.BaseURL, "/"), c.session.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.New(c.session.brokerName(), errs.CodeNetwork,
			errs.WithMessage("order submission failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.decodeError(resp)
	}

	var decoded OrderResponse
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return &decoded, nil
}

func (c *Client) sign(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.session.APIKey)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	code := errs.CodeBroker
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = errs.CodeAuth
	case http.StatusTooManyRequests:
		code = errs.CodeRateLimited
	case http.StatusBadRequest, http.StatusNotFound:
		code = errs.CodeInvalid
	}

	opts := []errs.Option{
		errs.WithHTTP(resp.StatusCode),
		errs.WithRawCode(body.ErrorCode),
		errs.WithRawMessage(body.ErrorMessage),
	}
	if body.ErrorMessage == "" {
		opts = append(opts, errs.WithMessage(strings.TrimSpace(string(raw))))
	}
	return errs.New(c.session.brokerName(), code, opts...)
}

func (s Session) brokerName() string {
	return "oanda"
}
