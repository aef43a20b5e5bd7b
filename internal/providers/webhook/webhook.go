// webhook is a generic channel adapter that posts deliveries to an
// upstream URL. It can be declared any number of times in the app
// config, once per third-party gateway (an SMS vendor, a combined
// phone/e-mail verification service, and so on).
package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tradeyard/otpcourier/pkg/models"
)

// Webhook is the default representation of the Webhook adapter.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

// Payload is posted to the upstream URL.
type Payload struct {
	Method    string `json:"method"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// upstreamResp is what the upstream is expected to answer with.
type upstreamResp struct {
	Status            string    `json:"status"`
	MessageID         string    `json:"message_id"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}

// Config contains the webhook adapter configuration.
type Config struct {
	URL      string   `json:"url"`
	ID       string   `json:"id"`
	Channels []string `json:"channels"`
	Username string   `json:"username"`
	Password string   `json:"password"`

	MaxOTPLen  int `json:"max_otp_len"`
	MaxBodyLen int `json:"max_body_len"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// New returns a webhook channel adapter.
func New(cfg Config) (*Webhook, error) {
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}
	if cfg.MaxOTPLen < 1 {
		cfg.MaxOTPLen = 6
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the adapter's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// Channels returns the delivery methods the upstream carries.
func (w *Webhook) Channels() []string {
	return w.cfg.Channels
}

// ValidateAddress accepts any address the upstream might take; the
// upstream is the authority on its own address format.
func (w *Webhook) ValidateAddress(method, to string) error {
	for _, c := range w.cfg.Channels {
		if c == method {
			return nil
		}
	}
	return fmt.Errorf("unsupported method '%s'", method)
}

// Send posts the delivery to the upstream URL.
func (w *Webhook) Send(method, to, subject string, body []byte) (models.Receipt, error) {
	p := Payload{
		Method:    method,
		Recipient: to,
		Subject:   subject,
		Body:      string(body),
	}

	b, err := json.Marshal(p)
	if err != nil {
		return models.Receipt{}, err
	}

	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return models.Receipt{}, err
	}

	req.Header.Set("User-Agent", "otpcourier")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return models.Receipt{}, err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Receipt{}, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	var out upstreamResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		// An upstream that answers 2xx without a parseable body still
		// counts as accepted.
		return models.Receipt{}, nil
	}

	return models.Receipt{
		ExternalID:        out.MessageID,
		EstimatedDelivery: out.EstimatedDelivery,
	}, nil
}

// MaxOTPLen returns the maximum allowed length of the OTP value.
func (w *Webhook) MaxOTPLen() int {
	return w.cfg.MaxOTPLen
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return w.cfg.MaxBodyLen
}
