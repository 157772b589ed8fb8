package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SMSConfig configures the REST gateway. The request shape follows the Twilio Messages API.
type SMSConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	Timeout    time.Duration
}

type SMSSender struct {
	cfg    SMSConfig
	client *http.Client
	log    *zap.Logger
}

func NewSMSSender(cfg SMSConfig, client *http.Client, log *zap.Logger) (*SMSSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("sms: %w", ErrNoProvider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SMSSender{cfg: cfg, client: client, log: log}, nil
}

type smsResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *SMSSender) endpoint() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.AccountSID))
}

func (s *SMSSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	to, err := NormalizePhone(msg.To)
	if err != nil {
		return Receipt{}, err
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.From)
	form.Set("Body", TruncateSMS(msg.Body))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	res, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("sms to %s: %w", to, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	var body smsResponse
	_ = json.Unmarshal(data, &body)
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		s.log.Debug("sms sent", zap.String("to", to), zap.String("provider_message_id", body.SID))
		return Receipt{ProviderMessageID: body.SID}, nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return Receipt{}, fmt.Errorf("sms gateway status %d: %s", res.StatusCode, strings.TrimSpace(body.Message))
	default:
		return Receipt{}, fmt.Errorf("sms gateway status %d (code %d) %s: %w", res.StatusCode, body.Code, strings.TrimSpace(body.Message), ErrRejected)
	}
}
