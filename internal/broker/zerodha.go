package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"autotrader/internal/config"
	"autotrader/internal/errors"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

const (
	kiteLoginURL   = "https://kite.zerodha.com/api/login"
	kiteTwoFAURL   = "https://kite.zerodha.com/api/twofa"
	kiteConnectURL = "https://kite.trade/connect/login?api_key=%s&v=3"
)

// Zerodha implements Broker against the Kite Connect REST API.
type Zerodha struct {
	client      *kiteconnect.Client
	creds       config.KiteCredentials
	sessionPath string
	logger      zerolog.Logger

	mu            sync.RWMutex
	accessToken   string
	authenticated bool
}

// NewZerodha builds a broker client and loads any persisted session.
func NewZerodha(creds config.KiteCredentials, sessionPath string, logger zerolog.Logger) *Zerodha {
	z := &Zerodha{
		client:      kiteconnect.New(creds.APIKey),
		creds:       creds,
		sessionPath: sessionPath,
		logger:      logger.With().Str("component", "broker").Logger(),
	}
	if err := z.loadSession(); err == nil {
		z.logger.Info().Msg("Restored broker session from disk")
	}
	return z
}

type sessionFile struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login authenticates with the broker. A valid persisted session is reused;
// otherwise the TOTP-based flow runs unattended and the new session is saved.
func (z *Zerodha) Login(ctx context.Context) error {
	if z.IsAuthenticated() {
		if _, err := z.client.GetUserProfile(); err == nil {
			return nil
		}
		z.logger.Warn().Msg("Persisted session rejected by broker, re-authenticating")
	}

	if z.creds.Password == "" || z.creds.TOTPSecret == "" {
		return errors.Wrap(errors.ErrNotAuthenticated,
			fmt.Sprintf("no valid session and no credentials for unattended login; visit %s", z.client.GetLoginURL()))
	}

	requestToken, err := z.fetchRequestToken(ctx)
	if err != nil {
		return errors.Wrap(err, "unattended login")
	}

	session, err := z.client.GenerateSession(requestToken, z.creds.APISecret)
	if err != nil {
		return errors.NewBrokerError("SESSION", "generating session", mapKiteError(err))
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	if err := z.saveSession(session.AccessToken); err != nil {
		z.logger.Warn().Err(err).Msg("Failed to persist session")
	}
	z.logger.Info().Str("user_id", z.creds.UserID).Msg("Broker login complete")
	return nil
}

// fetchRequestToken drives the Kite web login (password + TOTP) and captures
// the request token from the connect redirect.
func (z *Zerodha) fetchRequestToken(ctx context.Context) (string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", err
	}

	var requestToken string
	errTokenFound := stderrors.New("request token captured")
	httpClient := &http.Client{
		Jar:     jar,
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if tok := req.URL.Query().Get("request_token"); tok != "" {
				requestToken = tok
				return errTokenFound
			}
			return nil
		},
	}

	form := url.Values{"user_id": {z.creds.UserID}, "password": {z.creds.Password}}
	requestID, err := z.postLoginForm(ctx, httpClient, kiteLoginURL, form)
	if err != nil {
		return "", fmt.Errorf("password step: %w", err)
	}

	code, err := totp.GenerateCode(z.creds.TOTPSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("generating TOTP: %w", err)
	}
	form = url.Values{
		"user_id":     {z.creds.UserID},
		"request_id":  {requestID},
		"twofa_value": {code},
		"twofa_type":  {"totp"},
	}
	if _, err := z.postLoginForm(ctx, httpClient, kiteTwoFAURL, form); err != nil {
		return "", fmt.Errorf("twofa step: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(kiteConnectURL, z.creds.APIKey), nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil && !stderrors.Is(err, errTokenFound) {
		return "", fmt.Errorf("connect redirect: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	if requestToken == "" {
		return "", stderrors.New("request token not present in redirect chain")
	}
	return requestToken, nil
}

func (z *Zerodha) postLoginForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Data   struct {
			RequestID string `json:"request_id"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Status != "success" {
		return "", fmt.Errorf("kite login rejected: %s", body.Message)
	}
	return body.Data.RequestID, nil
}

// Logout invalidates the session and removes the persisted file.
func (z *Zerodha) Logout(ctx context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.authenticated {
		if _, err := z.client.InvalidateAccessToken(); err != nil {
			z.logger.Warn().Err(err).Msg("Failed to invalidate access token")
		}
	}
	z.accessToken = ""
	z.authenticated = false

	if err := os.Remove(z.sessionPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (z *Zerodha) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

// AccessToken returns the current access token for the ticker connection.
func (z *Zerodha) AccessToken() string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.accessToken
}

func (z *Zerodha) loadSession() error {
	data, err := os.ReadFile(z.sessionPath)
	if err != nil {
		return err
	}
	var s sessionFile
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if time.Now().After(s.ExpiresAt) {
		return errors.ErrSessionExpired
	}
	z.mu.Lock()
	z.accessToken = s.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(s.AccessToken)
	z.mu.Unlock()
	return nil
}

func (z *Zerodha) saveSession(accessToken string) error {
	if err := os.MkdirAll(filepath.Dir(z.sessionPath), 0700); err != nil {
		return err
	}
	// Kite access tokens expire at 6 AM IST the next day.
	now := time.Now().In(utils.IndiaLocation)
	expires := time.Date(now.Year(), now.Month(), now.Day()+1, 6, 0, 0, 0, utils.IndiaLocation)

	data, err := json.Marshal(sessionFile{
		AccessToken: accessToken,
		UserID:      z.creds.UserID,
		ExpiresAt:   expires,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(z.sessionPath, data, 0600)
}

// GetHistorical fetches daily bars for one instrument over a closed range.
func (z *Zerodha) GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Bar, error) {
	if !z.IsAuthenticated() {
		return nil, errors.ErrNotAuthenticated
	}
	interval := req.Interval
	if interval == "" {
		interval = "day"
	}

	data, err := z.client.GetHistoricalData(int(req.Token), interval, req.From, req.To, false, false)
	if err != nil {
		return nil, errors.NewDataError("historical", req.Symbol, "fetching bars", mapKiteError(err))
	}

	bars := make([]models.Bar, len(data))
	for i, d := range data {
		bars[i] = models.Bar{
			Date:   d.Date.Time,
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: int64(d.Volume),
		}
	}
	return bars, nil
}

// GetInstruments fetches the instrument master filtered to one exchange.
func (z *Zerodha) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if !z.IsAuthenticated() {
		return nil, errors.ErrNotAuthenticated
	}

	instruments, err := z.client.GetInstruments()
	if err != nil {
		return nil, errors.NewDataError("instruments", string(exchange), "fetching instrument master", mapKiteError(err))
	}

	result := make([]models.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if inst.Exchange != string(exchange) {
			continue
		}
		result = append(result, models.Instrument{
			Token:    uint32(inst.InstrumentToken),
			Symbol:   inst.Tradingsymbol,
			Exchange: models.Exchange(inst.Exchange),
		})
	}
	return result, nil
}

// PlaceOrder submits a regular CNC market order.
func (z *Zerodha) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	if !z.IsAuthenticated() {
		return nil, errors.ErrNotAuthenticated
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.Symbol,
		TransactionType: string(order.Side),
		OrderType:       "MARKET",
		Product:         "CNC",
		Quantity:        order.Quantity,
		Validity:        "DAY",
	}

	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, errors.NewOrderError(order.Symbol, string(order.Side), "placing order", mapKiteError(err))
	}
	return &OrderResult{OrderID: resp.OrderID}, nil
}

// GetOrders fetches today's order book.
func (z *Zerodha) GetOrders(ctx context.Context) ([]models.Order, error) {
	if !z.IsAuthenticated() {
		return nil, errors.ErrNotAuthenticated
	}

	orders, err := z.client.GetOrders()
	if err != nil {
		return nil, errors.NewBrokerError("ORDERS", "fetching order book", mapKiteError(err))
	}

	result := make([]models.Order, len(orders))
	for i, o := range orders {
		result[i] = models.Order{
			OrderID:  o.OrderID,
			Symbol:   o.TradingSymbol,
			Exchange: models.Exchange(o.Exchange),
			Side:     models.OrderSide(o.TransactionType),
			Quantity: int(o.Quantity),
			Price:    o.Price,
			Status:   o.Status,
		}
	}
	return result, nil
}

// GetHoldings fetches delivery holdings.
func (z *Zerodha) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	if !z.IsAuthenticated() {
		return nil, errors.ErrNotAuthenticated
	}

	holdings, err := z.client.GetHoldings()
	if err != nil {
		return nil, errors.NewBrokerError("HOLDINGS", "fetching holdings", mapKiteError(err))
	}

	result := make([]models.Holding, len(holdings))
	for i, h := range holdings {
		result[i] = models.Holding{
			Symbol:          h.Tradingsymbol,
			InstrumentToken: uint32(h.InstrumentToken),
			Exchange:        models.Exchange(h.Exchange),
			AveragePrice:    h.AveragePrice,
			Quantity:        int(h.Quantity),
		}
	}
	return result, nil
}

// GetPositions fetches net positions for the day.
func (z *Zerodha) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !z.IsAuthenticated() {
		return nil, errors.ErrNotAuthenticated
	}

	positions, err := z.client.GetPositions()
	if err != nil {
		return nil, errors.NewBrokerError("POSITIONS", "fetching positions", mapKiteError(err))
	}

	result := make([]models.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		result = append(result, models.Position{
			Symbol:   p.Tradingsymbol,
			Exchange: models.Exchange(p.Exchange),
			Quantity: int(p.Quantity),
		})
	}
	return result, nil
}

// GetMargins fetches available equity funds.
func (z *Zerodha) GetMargins(ctx context.Context) (*models.Margins, error) {
	if !z.IsAuthenticated() {
		return nil, errors.ErrNotAuthenticated
	}

	margins, err := z.client.GetUserMargins()
	if err != nil {
		return nil, errors.NewBrokerError("MARGINS", "fetching margins", mapKiteError(err))
	}

	return &models.Margins{
		AvailableCash: margins.Equity.Available.LiveBalance,
		UsedMargin:    margins.Equity.Used.Debits,
	}, nil
}

// mapKiteError translates Kite API failures onto the package sentinels so
// callers can branch on rate limiting and session expiry.
func mapKiteError(err error) error {
	if err == nil {
		return nil
	}
	var kerr kiteconnect.Error
	if stderrors.As(err, &kerr) {
		switch kerr.ErrorType {
		case "NetworkException":
			return errors.Wrap(errors.ErrRateLimited, kerr.Message)
		case "TokenException":
			return errors.Wrap(errors.ErrSessionExpired, kerr.Message)
		}
	}
	return err
}

var _ Broker = (*Zerodha)(nil)
