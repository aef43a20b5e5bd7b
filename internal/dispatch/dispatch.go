// Package dispatch is the delivery orchestrator: it turns a resolved
// preference plan and a fresh passcode into actual sends through the
// registered channel adapters, with fallback, retries and a background
// sweep over failed rows.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/tradeyard/otpcourier/internal/audit"
	"github.com/tradeyard/otpcourier/internal/directory"
	"github.com/tradeyard/otpcourier/internal/ledger"
	"github.com/tradeyard/otpcourier/internal/passcode"
	"github.com/tradeyard/otpcourier/internal/prefs"
	"github.com/tradeyard/otpcourier/pkg/models"
	"github.com/zerodha/logf"
)

const typeOTP = "otp"

// Template holds a provider's optional subject and body templates.
type Template struct {
	Subject *template.Template
	Body    *template.Template
}

// TplData is the payload available to provider templates.
type TplData struct {
	Code      string
	Contact   string
	Purpose   string
	TTL       time.Duration
	ExpiresAt time.Time
}

type Conf struct {
	MaxRetries    int           `json:"max_retries"`
	RetryStep     time.Duration `json:"retry_step"`
	SweepInterval time.Duration `json:"sweep_interval"`
	SweepBatch    int           `json:"sweep_batch"`
}

// Orchestrator walks delivery plans across channel adapters, recording
// every attempt in the ledger.
type Orchestrator struct {
	cfg    Conf
	engine *passcode.Engine
	prefs  *prefs.Store
	led    *ledger.Ledger
	dir    directory.Directory
	audit  *audit.Dispatcher
	lo     logf.Logger

	order     []string
	providers map[string]models.Provider
	tpls      map[string]*Template
}

// SendResult is the successful outcome of GenerateAndSend.
type SendResult struct {
	DeliveryID        string     `json:"delivery_id"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Service           string     `json:"service"`
	Method            string     `json:"method"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

// payload is the rendered message stored in the ledger row's context
// so a retry can re-dispatch without re-rendering (the plaintext code
// is never persisted anywhere else).
type payload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Purpose string `json:"purpose"`
}

func New(cfg Conf, engine *passcode.Engine, pr *prefs.Store, led *ledger.Ledger, dir directory.Directory, disp *audit.Dispatcher, lo logf.Logger) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}

	return &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		prefs:     pr,
		led:       led,
		dir:       dir,
		audit:     disp,
		lo:        lo,
		providers: map[string]models.Provider{},
		tpls:      map[string]*Template{},
	}
}

// Register adds a channel adapter. Registration order is the catalog's
// natural priority order.
func (o *Orchestrator) Register(p models.Provider, tpl *Template) {
	if _, ok := o.providers[p.ID()]; !ok {
		o.order = append(o.order, p.ID())
	}
	o.providers[p.ID()] = p
	if tpl != nil {
		o.tpls[p.ID()] = tpl
	}
}

// Catalog lists the registered services and their methods in
// registration order.
func (o *Orchestrator) Catalog() []models.Service {
	out := make([]models.Service, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, models.Service{Name: id, Methods: o.providers[id].Channels()})
	}
	return out
}

// GenerateAndSend issues a fresh passcode for the user and walks the
// resolved plan until one adapter accepts it. Every attempt, success
// or failure, lands in the ledger under the same delivery id.
func (o *Orchestrator) GenerateAndSend(ctx context.Context, userID, purpose, contact string) (SendResult, error) {
	p, err := o.prefs.GetOrCreate(ctx, userID)
	if err != nil {
		return SendResult{}, err
	}

	own, err := o.dir.Contact(ctx, userID, purpose)
	if err != nil {
		return SendResult{}, err
	}
	if contact == "" {
		contact = own
	} else if contact != own {
		return SendResult{}, models.NewError(models.ErrCodeContactMismatch,
			"contact does not belong to the requesting user")
	}
	if contact == "" {
		return SendResult{}, models.NewError(models.ErrCodeValidation,
			fmt.Sprintf("no %s contact on file", purpose))
	}

	if !prefs.InWindow(p, time.Now()) {
		return SendResult{}, models.NewErrorData(models.ErrCodeOutsideWindow,
			"outside the configured delivery window", p.Window)
	}

	rl, err := prefs.CheckRateLimit(ctx, o.led, p)
	if err != nil {
		return SendResult{}, err
	}
	if !rl.Allowed() {
		return SendResult{}, models.NewErrorData(models.ErrCodeRateLimited,
			"delivery rate limit reached", rl)
	}

	plan := prefs.ResolvePlan(p, o.Catalog())
	if len(plan) == 0 {
		return SendResult{}, models.NewError(models.ErrCodeExhausted,
			"no delivery candidates match the preferences")
	}

	issued, err := o.engine.Create(ctx, userID, purpose, contact)
	if err != nil {
		return SendResult{}, err
	}

	data := TplData{
		Code:      issued.Code,
		Contact:   contact,
		Purpose:   purpose,
		TTL:       issued.ExpiresAt.Sub(time.Now().UTC()).Round(time.Minute),
		ExpiresAt: issued.ExpiresAt,
	}

	var lastErr error
	for _, step := range plan {
		prov, ok := o.providers[step.Service]
		if !ok {
			continue
		}

		rcpt, perr := o.attempt(prov, step.Method, contact, issued.Code, data)

		row := models.Delivery{
			DeliveryID: issued.DeliveryID,
			UserID:     userID,
			Type:       typeOTP,
			Service:    step.Service,
			Channel:    step.Method,
			Recipient:  contact,
			MaxRetries: o.cfg.MaxRetries,
			Context:    o.renderContext(step.Service, purpose, data),
		}

		now := time.Now().UTC()
		if perr == nil {
			row.Status = models.StatusSent
			row.ExternalID = rcpt.ExternalID
			row.SentAt = &now
		} else {
			row.Status = models.StatusFailed
			row.ErrorMessage = perr.Error()
			row.ErrorCode = "send_failed"
			row.FailedAt = &now
			lastErr = perr
		}

		if _, terr := o.led.Track(ctx, row); terr != nil {
			o.lo.Error("error tracking delivery", "delivery_id", issued.DeliveryID, "error", terr)
		}
		o.emit(ctx, userID, audit.ActionOTPSend, perr == nil, map[string]interface{}{
			"delivery_id": issued.DeliveryID, "service": step.Service, "method": step.Method,
		})

		if perr == nil {
			res := SendResult{
				DeliveryID: issued.DeliveryID,
				ExpiresAt:  issued.ExpiresAt,
				Service:    step.Service,
				Method:     step.Method,
			}
			if !rcpt.EstimatedDelivery.IsZero() {
				est := rcpt.EstimatedDelivery
				res.EstimatedDelivery = &est
			}
			return res, nil
		}

		o.lo.Warn("delivery candidate failed, falling back",
			"delivery_id", issued.DeliveryID, "service", step.Service,
			"method", step.Method, "error", perr)
	}

	msg := "every delivery candidate failed"
	if lastErr != nil {
		msg = fmt.Sprintf("%s; last error: %v", msg, lastErr)
	}
	return SendResult{}, models.NewError(models.ErrCodeExhausted, msg)
}

// attempt validates the address and payload limits against one adapter
// and pushes the message out.
func (o *Orchestrator) attempt(prov models.Provider, method, contact, code string, data TplData) (models.Receipt, error) {
	if err := prov.ValidateAddress(method, contact); err != nil {
		return models.Receipt{}, err
	}
	if len(code) > prov.MaxOTPLen() {
		return models.Receipt{}, fmt.Errorf("code exceeds the %d character provider limit", prov.MaxOTPLen())
	}

	subject, body, err := o.render(prov.ID(), data)
	if err != nil {
		return models.Receipt{}, err
	}
	if max := prov.MaxBodyLen(); max > 0 && len(body) > max {
		return models.Receipt{}, fmt.Errorf("message exceeds the %d byte provider limit", max)
	}

	return prov.Send(method, contact, subject, body)
}

// render produces the subject and body for a provider, falling back to
// stock wording when no template is configured.
func (o *Orchestrator) render(providerID string, data TplData) (string, []byte, error) {
	tpl := o.tpls[providerID]

	subject := "Your verification code"
	if tpl != nil && tpl.Subject != nil {
		var b bytes.Buffer
		if err := tpl.Subject.Execute(&b, data); err != nil {
			return "", nil, err
		}
		subject = strings.TrimSpace(b.String())
	}

	if tpl != nil && tpl.Body != nil {
		var b bytes.Buffer
		if err := tpl.Body.Execute(&b, data); err != nil {
			return "", nil, err
		}
		return subject, b.Bytes(), nil
	}

	body := fmt.Sprintf("Your verification code is %s. It expires in %s.", data.Code, data.TTL)
	return subject, []byte(body), nil
}

func (o *Orchestrator) renderContext(providerID, purpose string, data TplData) string {
	subject, body, err := o.render(providerID, data)
	if err != nil {
		return "{}"
	}
	b, err := json.Marshal(payload{Subject: subject, Body: string(body), Purpose: purpose})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Retry re-dispatches a failed or bounced delivery, optionally through
// a different method. On continued failure the next attempt is pushed
// out by a growing backoff until the retry budget is exhausted.
func (o *Orchestrator) Retry(ctx context.Context, userID, deliveryID, method string) (models.Delivery, error) {
	d, err := o.led.Get(ctx, userID, deliveryID)
	if err == ledger.ErrNotFound {
		return d, models.NewError(models.ErrCodeNotFound, "delivery not found")
	}
	if err != nil {
		return d, err
	}

	if d.Status == models.StatusDelivered {
		return d, models.NewError(models.ErrCodeValidation, "delivery already succeeded")
	}
	if d.Terminal() {
		return d, models.NewError(models.ErrCodeValidation, "delivery has exhausted its retries")
	}

	if method == "" {
		method = d.Channel
	}
	prov, err := o.providerFor(d.Service, method)
	if err != nil {
		return d, err
	}

	ok, sendErr, err := o.redispatch(ctx, d, prov, method)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, models.NewError(models.ErrCodeValidation,
			"delivery was updated concurrently; reload its status")
	}

	o.emit(ctx, userID, audit.ActionOTPRetry, sendErr == nil, map[string]interface{}{
		"delivery_id": deliveryID, "service": prov.ID(), "method": method,
	})

	return o.led.Get(ctx, userID, deliveryID)
}

// providerFor prefers the service the row was tracked under, falling
// back to the first registered adapter carrying the method.
func (o *Orchestrator) providerFor(service, method string) (models.Provider, error) {
	if p, ok := o.providers[service]; ok && hasMethod(p, method) {
		return p, nil
	}
	for _, id := range o.order {
		if hasMethod(o.providers[id], method) {
			return o.providers[id], nil
		}
	}
	return nil, models.NewError(models.ErrCodeValidation,
		fmt.Sprintf("no registered service carries method '%s'", method))
}

func hasMethod(p models.Provider, method string) bool {
	for _, m := range p.Channels() {
		if m == method {
			return true
		}
	}
	return false
}

// redispatch re-sends the stored payload and applies the outcome with
// the ledger's compare-and-set, so a concurrent sweep and a live retry
// can never advance the same row twice. The bool reports whether this
// caller won the row; sendErr is the adapter's verdict.
func (o *Orchestrator) redispatch(ctx context.Context, d models.Delivery, prov models.Provider, method string) (bool, error, error) {
	var pl payload
	if err := json.Unmarshal([]byte(d.Context), &pl); err != nil || pl.Body == "" {
		// Rows tracked before a send ever rendered carry no payload.
		pl.Subject = "Your verification code"
		pl.Body = "Your verification code could not be delivered earlier. Request a new one if it has expired."
	}

	rcpt, sendErr := prov.Send(method, d.Recipient, pl.Subject, []byte(pl.Body))

	upd := ledger.RetryUpdate{}
	if sendErr == nil {
		upd.Status = models.StatusSent
		upd.ExternalID = rcpt.ExternalID
	} else {
		upd.Status = models.StatusFailed
		upd.ErrorMessage = sendErr.Error()
		upd.ErrorCode = "send_failed"

		attempts := d.Attempts + 1
		if attempts < d.MaxRetries {
			next := time.Now().UTC().Add(time.Duration(attempts+1) * o.cfg.RetryStep)
			upd.NextRetryAt = &next
		}
	}

	ok, err := o.led.AdvanceRetry(ctx, d.ID, d.Attempts, upd)
	if err != nil {
		return false, sendErr, err
	}
	return ok, sendErr, nil
}

// Status returns the latest ledger row for a delivery, scoped to its
// owner.
func (o *Orchestrator) Status(ctx context.Context, userID, deliveryID string) (models.Delivery, error) {
	d, err := o.led.Get(ctx, userID, deliveryID)
	if err == ledger.ErrNotFound {
		return d, models.NewError(models.ErrCodeNotFound, "delivery not found")
	}
	return d, err
}

// History returns the user's recent delivery attempts.
func (o *Orchestrator) History(ctx context.Context, userID string, limit, hoursBack int) ([]models.Delivery, error) {
	return o.led.History(ctx, userID, limit, hoursBack)
}

// Stats aggregates the user's attempts over a trailing window.
func (o *Orchestrator) Stats(ctx context.Context, userID string, hoursBack int) (ledger.Stats, error) {
	if hoursBack <= 0 {
		hoursBack = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hoursBack) * time.Hour)
	return o.led.StatsByUserAndWindow(ctx, userID, since)
}

// Plan resolves the user's current delivery plan against the
// registered catalog without dispatching anything.
func (o *Orchestrator) Plan(ctx context.Context, userID string) ([]models.PlanStep, error) {
	p, err := o.prefs.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return prefs.ResolvePlan(p, o.Catalog()), nil
}

// RateLimit reports the user's standing against their dispatch
// thresholds.
func (o *Orchestrator) RateLimit(ctx context.Context, userID string) (prefs.RateLimitStatus, error) {
	p, err := o.prefs.GetOrCreate(ctx, userID)
	if err != nil {
		return prefs.RateLimitStatus{}, err
	}
	return prefs.CheckRateLimit(ctx, o.led, p)
}

// RunSweep periodically re-dispatches failed rows whose retry time has
// come. It blocks until the context is cancelled.
func (o *Orchestrator) RunSweep(ctx context.Context) {
	t := time.NewTicker(o.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass of the retry sweep. Safe to run concurrently
// with live retries; the ledger CAS makes each row advance exactly once.
func (o *Orchestrator) SweepOnce(ctx context.Context) {
	rows, err := o.led.FailedRetryable(ctx, time.Now().UTC(), o.cfg.SweepBatch)
	if err != nil {
		o.lo.Error("error selecting retryable deliveries", "error", err)
		return
	}

	for _, d := range rows {
		prov, err := o.providerFor(d.Service, d.Channel)
		if err != nil {
			o.lo.Warn("skipping sweep row with no adapter",
				"delivery_id", d.DeliveryID, "service", d.Service, "method", d.Channel)
			continue
		}

		won, sendErr, err := o.redispatch(ctx, d, prov, d.Channel)
		if err != nil {
			o.lo.Error("error advancing sweep row", "delivery_id", d.DeliveryID, "error", err)
			continue
		}
		if !won {
			continue
		}

		o.emit(ctx, d.UserID, audit.ActionOTPRetry, sendErr == nil, map[string]interface{}{
			"delivery_id": d.DeliveryID, "service": prov.ID(), "method": d.Channel, "sweep": true,
		})
	}
}

func (o *Orchestrator) emit(ctx context.Context, userID, action string, success bool, details map[string]interface{}) {
	m := audit.MetaFrom(ctx)
	o.audit.Record(audit.Event{
		UserID:    userID,
		Action:    action,
		Success:   success,
		Details:   details,
		IP:        m.IP,
		UserAgent: m.UserAgent,
		At:        time.Now().UTC(),
	})
}
