package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tradeyard/otpcourier/internal/audit"
	"github.com/tradeyard/otpcourier/internal/directory"
	"github.com/tradeyard/otpcourier/internal/prefs"
	"github.com/tradeyard/otpcourier/pkg/models"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// errData rides in the error envelope so API clients can branch on the
// code without parsing messages.
type errData struct {
	Code   string      `json:"code"`
	Detail interface{} `json:"detail,omitempty"`
}

type otpReq struct {
	UserID  string `json:"user_id"`
	Purpose string `json:"purpose"`
	Contact string `json:"contact"`
	Code    string `json:"code"`
}

type retryReq struct {
	UserID string `json:"user_id"`
	Method string `json:"method"`
}

type prefsReq struct {
	UserID string `json:"user_id"`
	prefs.Patch
}

// handleSendOTP generates a passcode and dispatches it per the user's
// delivery plan.
func handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req otpReq
	)
	if err := decodeJSON(r, &req); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := checkRequired(req.UserID, req.Purpose); err != nil {
		sendError(w, err)
		return
	}

	res, err := app.orch.GenerateAndSend(r.Context(), req.UserID, req.Purpose, req.Contact)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, res)
}

// handleVerifyOTP validates a candidate code.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req otpReq
	)
	if err := decodeJSON(r, &req); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := checkRequired(req.UserID, req.Purpose); err != nil {
		sendError(w, err)
		return
	}
	if req.Code == "" {
		sendError(w, models.NewError(models.ErrCodeValidation, "`code` is required"))
		return
	}

	contact := req.Contact
	if contact == "" {
		var err error
		contact, err = app.dir.Contact(r.Context(), req.UserID, req.Purpose)
		if err != nil {
			sendError(w, err)
			return
		}
	}

	if err := app.engine.Validate(r.Context(), req.UserID, req.Purpose, contact, req.Code); err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, map[string]bool{"verified": true})
}

// handleGetDelivery returns the latest ledger row of a delivery.
func handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		userID = r.URL.Query().Get("user_id")
		id     = chi.URLParam(r, "id")
	)
	if err := checkRequired(userID, "-"); err != nil {
		sendError(w, err)
		return
	}

	d, err := app.orch.Status(r.Context(), userID, id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, d)
}

// handleListDeliveries returns the user's recent delivery attempts.
func handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		q      = r.URL.Query()
		userID = q.Get("user_id")
	)
	if err := checkRequired(userID, "-"); err != nil {
		sendError(w, err)
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	hoursBack, _ := strconv.Atoi(q.Get("hours_back"))

	out, err := app.orch.History(r.Context(), userID, limit, hoursBack)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, out)
}

// handleDeliveryStats aggregates the user's attempts per status.
func handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		q      = r.URL.Query()
		userID = q.Get("user_id")
	)
	if err := checkRequired(userID, "-"); err != nil {
		sendError(w, err)
		return
	}

	hoursBack, _ := strconv.Atoi(q.Get("hours_back"))
	s, err := app.orch.Stats(r.Context(), userID, hoursBack)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, s)
}

// handleRetryDelivery re-dispatches a failed delivery.
func handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		id  = chi.URLParam(r, "id")
		req retryReq
	)
	if err := decodeJSON(r, &req); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := checkRequired(req.UserID, "-"); err != nil {
		sendError(w, err)
		return
	}

	d, err := app.orch.Retry(r.Context(), req.UserID, id, req.Method)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, d)
}

// handleGetPreferences returns the user's delivery preferences,
// creating defaults on first read.
func handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		userID = r.URL.Query().Get("user_id")
	)
	if err := checkRequired(userID, "-"); err != nil {
		sendError(w, err)
		return
	}

	p, err := app.prefs.GetOrCreate(r.Context(), userID)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, p)
}

// handleUpdatePreferences merges a partial update into the user's
// preferences.
func handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req prefsReq
	)
	if err := decodeJSON(r, &req); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := checkRequired(req.UserID, "-"); err != nil {
		sendError(w, err)
		return
	}

	p, err := app.prefs.Update(r.Context(), req.UserID, req.Patch)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, p)
}

// handleResetPreferences is intentionally disabled: preference reset
// is a destructive operation held back at the policy layer.
func handleResetPreferences(w http.ResponseWriter, r *http.Request) {
	sendError(w, models.NewError(models.ErrCodeDisabled, "preference reset is disabled"))
}

// handleGetPlan returns the resolved delivery plan as a read-only
// diagnostic.
func handleGetPlan(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		userID = r.URL.Query().Get("user_id")
	)
	if err := checkRequired(userID, "-"); err != nil {
		sendError(w, err)
		return
	}

	plan, err := app.orch.Plan(r.Context(), userID)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, plan)
}

// handleRateLimit reports the user's standing against their delivery
// thresholds.
func handleRateLimit(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		userID = r.URL.Query().Get("user_id")
	)
	if err := checkRequired(userID, "-"); err != nil {
		sendError(w, err)
		return
	}

	rl, err := app.orch.RateLimit(r.Context(), userID)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, rl)
}

// handleGetProviders returns the registered services and their methods.
func handleGetProviders(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	sendResponse(w, app.orch.Catalog())
}

// handleGetSecurityEvents returns the user's recent audit entries.
func handleGetSecurityEvents(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value("app").(*App)
		q      = r.URL.Query()
		userID = q.Get("user_id")
	)
	if err := checkRequired(userID, "-"); err != nil {
		sendError(w, err)
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	evs, err := app.auditLog.Recent(r.Context(), userID, limit)
	if err != nil {
		sendError(w, err)
		return
	}
	sendResponse(w, evs)
}

// handleDeleteSecurityEvents is intentionally disabled: the audit
// stream is append-only and retention cleanup is held back at the
// policy layer.
func handleDeleteSecurityEvents(w http.ResponseWriter, r *http.Request) {
	sendError(w, models.NewError(models.ErrCodeDisabled, "audit retention cleanup is disabled"))
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if err := app.store.Ping(); err != nil {
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}
	if err := app.db.Ping(); err != nil {
		sendErrorResponse(w, "Unable to reach database.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, map[string]interface{}{
		"status":         "ok",
		"dropped_events": app.audit.Dropped(),
	})
}

// wrap is a middleware that injects the "app" context and the request
// metadata the audit stream records.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		ctx = audit.WithMeta(ctx, audit.ReqMeta{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// throttle is a per-IP request throttle over the shared Redis counter,
// so the budget holds across instances. It fails open on store errors.
func throttle(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		count, err := app.store.Counter("throttle:"+ip, time.Minute)
		if err != nil {
			app.lo.Error("error counting throttle", "ip", ip, "error", err)
		} else if count > int64(app.constants.ThrottlePerMin) {
			sendErrorResponse(w, "Too many requests.", http.StatusTooManyRequests,
				errData{Code: models.ErrCodeRateLimited})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auth is a simple basic-auth middleware over the configured API
// clients.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(strings.Trim(h[len(authBasic):], " "))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			client = string(pair[0])
			secret = pair[1]
		)
		s, ok := authMap[client]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), "client", client)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("error parsing request: %v", err)
	}
	return nil
}

// checkRequired validates the user id and, when one is expected, the
// purpose. Pass "-" to skip the purpose check.
func checkRequired(userID, purpose string) error {
	if userID == "" {
		return models.NewError(models.ErrCodeValidation, "`user_id` is required")
	}
	switch purpose {
	case "-", models.PurposeEmail, models.PurposePhone:
		return nil
	}
	return models.NewError(models.ErrCodeValidation,
		fmt.Sprintf("`purpose` must be '%s' or '%s'", models.PurposeEmail, models.PurposePhone))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sendError maps a coded error to its HTTP status and envelope.
func sendError(w http.ResponseWriter, err error) {
	if errors.Is(err, directory.ErrNoUser) {
		sendErrorResponse(w, "User not found.", http.StatusNotFound,
			errData{Code: models.ErrCodeNotFound})
		return
	}

	var e *models.Error
	if !errors.As(err, &e) {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	status := http.StatusInternalServerError
	switch e.Code {
	case models.ErrCodeValidation, models.ErrCodeInvalidExpired, models.ErrCodeInvalidCode:
		status = http.StatusBadRequest
	case models.ErrCodeRateLimited, models.ErrCodeTooManyAttempts:
		status = http.StatusTooManyRequests
	case models.ErrCodeOutsideWindow, models.ErrCodeContactMismatch, models.ErrCodeDisabled:
		status = http.StatusForbidden
	case models.ErrCodeNotFound:
		status = http.StatusNotFound
	case models.ErrCodeExhausted:
		status = http.StatusBadGateway
	}

	sendErrorResponse(w, e.Message, status, errData{Code: e.Code, Detail: e.Data})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}
