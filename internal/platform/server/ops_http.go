package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	platformauth "github.com/wizardbeardstudio/open-escrow-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

// Services bundles everything the ops surface and the daemon drive.
type Services struct {
	Engine      *ledger.Engine
	Escrow      *EscrowService
	Sweeper     *UnlockSweeper
	Settlement  *SettlementAdapter
	Withdrawals *WithdrawalService
	System      *SystemAccountGuard
	Reconciler  *Reconciler
}

type OpsHandler struct {
	svc      Services
	verifier *platformauth.JWTVerifier
	guard    *OpsAccessGuard
	log      *zap.Logger
}

func NewOpsHandler(svc Services, verifier *platformauth.JWTVerifier, guard *OpsAccessGuard) *OpsHandler {
	return &OpsHandler{svc: svc, verifier: verifier, guard: guard, log: svc.Engine.Logger().Named("ops_http")}
}

func (h *OpsHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if h.guard != nil {
			r.Use(h.guard.Wrap)
		}
		r.Use(func(next http.Handler) http.Handler { return platformauth.HTTPJWTMiddleware(h.verifier, next) })

		r.Get("/accounts/{owner}/balance", h.balance)
		r.Get("/accounts/{owner}/holds", h.activeHolds)
		r.Get("/entries", h.entries)
		r.Get("/withdrawals/{id}", h.getWithdrawal)
		r.Post("/withdrawals", h.requestWithdrawal)
		r.Post("/withdrawals/{id}/cancel", h.cancelWithdrawal)

		r.Group(func(r chi.Router) {
			r.Use(platformauth.RequireActorTypes(platformauth.ActorOperator, platformauth.ActorService))
			r.Post("/accounts/{owner}/status", h.setAccountStatus)
			r.Post("/holds", h.placeHold)
			r.Post("/holds/{id}/release", h.releaseHold)
			r.Post("/holds/{id}/forfeit", h.forfeitHold)
			r.Post("/deposits", h.createDeposit)
			r.Post("/settlements", h.settle)
			r.Post("/withdrawals/{id}/status", h.setWithdrawalStatus)
			r.Post("/system/credit", h.systemCredit)
			r.Post("/system/debit", h.systemDebit)
			r.Post("/sweeps", h.sweep)
			r.Get("/reconcile", h.reconcile)
		})
	})
	return r
}

func (h *OpsHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *OpsHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *OpsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrForbidden) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}
	class := ledger.Classify(err)
	status := http.StatusInternalServerError
	msg := "internal error"
	switch class {
	case ledger.ClassValidation:
		status, msg = http.StatusBadRequest, err.Error()
	case ledger.ClassNotFound:
		status, msg = http.StatusNotFound, err.Error()
	case ledger.ClassConflict:
		status, msg = http.StatusConflict, "concurrent update, retry"
	case ledger.ClassIntegrity:
		msg = "ledger integrity check failed"
	}
	if status >= 500 {
		h.log.Error("ops request failed",
			zap.String("path", r.URL.Path),
			zap.String("class", class.String()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": msg, "class": class.String()})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(ledger.ErrInvalidArgument, err)
	}
	return nil
}

func ownerParam(r *http.Request) (ledger.Owner, error) {
	o, err := ledger.ParseOwner(chi.URLParam(r, "owner"))
	if err != nil {
		return ledger.Owner{}, err
	}
	return o, o.Validate()
}

func opsActor(r *http.Request) ledger.Actor {
	return resolveActor(r.Context(), ledger.EngineActor)
}

// callerMayActFor lets operators and services act for anyone and users only
// for themselves.
func callerMayActFor(r *http.Request, userID string) bool {
	a, ok := platformauth.ActorFromContext(r.Context())
	if !ok {
		return false
	}
	if a.Type == platformauth.ActorOperator || a.Type == platformauth.ActorService {
		return true
	}
	return a.Type == platformauth.ActorUser && a.ID == userID
}

// callerMayRead scopes reads of an owner's data. Only operators and
// services may read the platform account or external counterparties.
func callerMayRead(r *http.Request, o ledger.Owner) bool {
	if o.Kind == ledger.OwnerUser {
		return callerMayActFor(r, o.ID)
	}
	a, ok := platformauth.ActorFromContext(r.Context())
	return ok && (a.Type == platformauth.ActorOperator || a.Type == platformauth.ActorService)
}

type balanceView struct {
	Owner     string `json:"owner"`
	Available int64  `json:"available"`
	Frozen    int64  `json:"frozen"`
	Pending   int64  `json:"pending"`
	Display   int64  `json:"display"`
}

func viewBalance(o ledger.Owner, b ledger.Balance) balanceView {
	return balanceView{Owner: o.Key(), Available: b.Available, Frozen: b.Frozen, Pending: b.Pending, Display: b.Display}
}

func (h *OpsHandler) balance(w http.ResponseWriter, r *http.Request) {
	o, err := ownerParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !callerMayRead(r, o) {
		h.writeError(w, r, ErrForbidden)
		return
	}
	b, err := h.svc.Engine.GetBalance(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBalance(o, b))
}

type holdView struct {
	ID           string     `json:"hold_id"`
	Owner        string     `json:"owner"`
	Amount       int64      `json:"amount"`
	Reason       string     `json:"reason"`
	Tag          string     `json:"tag,omitempty"`
	Status       string     `json:"status"`
	UnlocksAt    time.Time  `json:"unlocks_at"`
	UnlockedAt   *time.Time `json:"unlocked_at,omitempty"`
	ClosedReason string     `json:"closed_reason,omitempty"`
}

func viewHold(hd ledger.Hold) holdView {
	return holdView{
		ID:           hd.ID,
		Owner:        hd.Owner.Key(),
		Amount:       hd.Amount,
		Reason:       string(hd.Reason),
		Tag:          hd.Tag,
		Status:       string(hd.Status),
		UnlocksAt:    hd.UnlocksAt,
		UnlockedAt:   hd.UnlockedAt,
		ClosedReason: hd.ClosedReason,
	}
}

func (h *OpsHandler) activeHolds(w http.ResponseWriter, r *http.Request) {
	o, err := ownerParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !callerMayRead(r, o) {
		h.writeError(w, r, ErrForbidden)
		return
	}
	holds, err := h.svc.Escrow.ListActiveHolds(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]holdView, 0, len(holds))
	for _, hd := range holds {
		out = append(out, viewHold(hd))
	}
	writeJSON(w, http.StatusOK, map[string]any{"holds": out})
}

type entryView struct {
	ID            string         `json:"entry_id"`
	Owner         string         `json:"owner"`
	Kind          string         `json:"kind"`
	Amount        int64          `json:"amount"`
	Status        string         `json:"status"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Counterparty  string         `json:"counterparty,omitempty"`
	Reference     string         `json:"reference,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
}

func viewEntry(e ledger.Entry) entryView {
	v := entryView{
		ID:            e.ID,
		Owner:         e.Owner.Key(),
		Kind:          string(e.Kind),
		Amount:        e.Amount,
		Status:        string(e.Status),
		CorrelationID: e.CorrelationID,
		Reference:     e.Reference,
		Reason:        e.Reason,
		FailureReason: e.FailureReason,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
		ProcessedAt:   e.ProcessedAt,
	}
	if !e.Counterparty.IsZero() {
		v.Counterparty = e.Counterparty.Key()
	}
	return v
}

func parseEntryFilter(r *http.Request) (ledger.EntryFilter, error) {
	q := r.URL.Query()
	var f ledger.EntryFilter
	if raw := q.Get("owner"); raw != "" {
		o, err := ledger.ParseOwner(raw)
		if err != nil {
			return f, err
		}
		f.Owner = &o
	}
	for _, k := range splitList(q.Get("kind")) {
		f.Kinds = append(f.Kinds, ledger.EntryKind(k))
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, ledger.EntryStatus(s))
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, errors.Join(ledger.ErrInvalidRange, err)
			}
			*dst = t
		}
	}
	f.CorrelationID = q.Get("correlation_id")
	f.Reference = q.Get("reference")
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if raw := q.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return f, errors.Join(ledger.ErrInvalidArgument, errors.New(name+" must be a non-negative integer"))
			}
			*dst = n
		}
	}
	if f.Limit == 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return f, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (h *OpsHandler) entries(w http.ResponseWriter, r *http.Request) {
	f, err := parseEntryFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// An unscoped query spans every account, so it needs the same rights
	// as reading the platform account.
	scope := ledger.SystemOwner()
	if f.Owner != nil {
		scope = *f.Owner
	}
	if !callerMayRead(r, scope) {
		h.writeError(w, r, ErrForbidden)
		return
	}
	entries, err := h.svc.Engine.History(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewEntry(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *OpsHandler) setAccountStatus(w http.ResponseWriter, r *http.Request) {
	o, err := ownerParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.svc.Engine.SetAccountStatus(r.Context(), o, ledger.AccountStatus(strings.ToUpper(req.Status)), opsActor(r), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": a.Key(), "status": a.Status})
}

func (h *OpsHandler) placeHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner     string    `json:"owner"`
		Amount    int64     `json:"amount"`
		Reason    string    `json:"reason"`
		UnlocksAt time.Time `json:"unlocks_at"`
		Tag       string    `json:"tag"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := ledger.ParseOwner(req.Owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	hd, err := h.svc.Escrow.PlaceHold(r.Context(), PlaceHoldRequest{
		Owner:     o,
		Amount:    req.Amount,
		Reason:    ledger.HoldReason(req.Reason),
		UnlocksAt: req.UnlocksAt,
		Tag:       req.Tag,
		Actor:     opsActor(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewHold(hd))
}

func (h *OpsHandler) releaseHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Disposition string `json:"disposition"`
		Reason      string `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Escrow.ReleaseHold(r.Context(), chi.URLParam(r, "id"), ledger.HoldStatus(strings.ToUpper(req.Disposition)), req.Reason, opsActor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hold": viewHold(res.Hold), "already_processed": res.AlreadyProcessed})
}

func (h *OpsHandler) forfeitHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Escrow.ForfeitHoldToSystem(r.Context(), chi.URLParam(r, "id"), req.Reason, opsActor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hold": viewHold(res.Hold), "already_processed": res.AlreadyProcessed})
}

func (h *OpsHandler) createDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner          string         `json:"owner"`
		Kind           string         `json:"kind"`
		Amount         int64          `json:"amount"`
		CorrelationID  string         `json:"correlation_id"`
		ReflectPending bool           `json:"reflect_pending"`
		Metadata       map[string]any `json:"metadata"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := ledger.ParseOwner(req.Owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.svc.Settlement.CreatePendingDeposit(r.Context(), PendingDeposit{
		Owner:          o,
		Kind:           ledger.EntryKind(req.Kind),
		Amount:         req.Amount,
		CorrelationID:  req.CorrelationID,
		ReflectPending: req.ReflectPending,
		Metadata:       req.Metadata,
		Actor:          opsActor(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewEntry(e))
}

func (h *OpsHandler) settle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CorrelationID string `json:"correlation_id"`
		Success       bool   `json:"success"`
		Reason        string `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Settlement.OnExternalPaymentConfirmed(r.Context(), req.CorrelationID, req.Success, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	body := map[string]any{"outcome": res.Outcome, "mismatch": res.Mismatch}
	if res.Outcome == OutcomeNotFound {
		status = http.StatusNotFound
	} else {
		body["entry"] = viewEntry(res.Entry)
		body["balance"] = viewBalance(res.Entry.Owner, res.Balance)
	}
	writeJSON(w, status, body)
}

type withdrawalView struct {
	ID           string               `json:"withdrawal_id"`
	UserID       string               `json:"user_id"`
	Amount       int64                `json:"amount"`
	Status       string               `json:"status"`
	Payout       ledger.PayoutDetails `json:"payout"`
	EntryID      string               `json:"entry_id"`
	ProcessedBy  string               `json:"processed_by,omitempty"`
	DecidedBy    string               `json:"decided_by,omitempty"`
	RejectReason string               `json:"reject_reason,omitempty"`
	Note         string               `json:"note,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func viewWithdrawal(wd ledger.Withdrawal) withdrawalView {
	return withdrawalView{
		ID:           wd.ID,
		UserID:       wd.UserID,
		Amount:       wd.Amount,
		Status:       string(wd.Status),
		Payout:       wd.Payout,
		EntryID:      wd.EntryID,
		ProcessedBy:  wd.ProcessedBy,
		DecidedBy:    wd.DecidedBy,
		RejectReason: wd.RejectReason,
		Note:         wd.Note,
		CreatedAt:    wd.CreatedAt,
		UpdatedAt:    wd.UpdatedAt,
	}
}

func (h *OpsHandler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string               `json:"user_id"`
		Amount int64                `json:"amount"`
		Payout ledger.PayoutDetails `json:"payout"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !callerMayActFor(r, req.UserID) {
		h.writeError(w, r, ErrForbidden)
		return
	}
	wd, err := h.svc.Withdrawals.RequestWithdrawal(r.Context(), req.UserID, req.Amount, req.Payout)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewWithdrawal(wd))
}

func (h *OpsHandler) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.svc.Withdrawals.GetWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !callerMayActFor(r, wd.UserID) {
		h.writeError(w, r, ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, viewWithdrawal(wd))
}

func (h *OpsHandler) cancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	a, ok := platformauth.ActorFromContext(r.Context())
	if !ok || a.Type != platformauth.ActorUser {
		h.writeError(w, r, ErrForbidden)
		return
	}
	res, err := h.svc.Withdrawals.CancelWithdrawal(r.Context(), chi.URLParam(r, "id"), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawal": viewWithdrawal(res.Withdrawal), "already_processed": res.AlreadyProcessed})
}

func (h *OpsHandler) setWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Withdrawals.SetWithdrawalStatus(r.Context(), chi.URLParam(r, "id"), opsActor(r), ledger.WithdrawalStatus(strings.ToLower(req.Status)), req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawal": viewWithdrawal(res.Withdrawal), "already_processed": res.AlreadyProcessed})
}

type systemMovement struct {
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
	Counterparty string `json:"counterparty"`
}

func (h *OpsHandler) systemCredit(w http.ResponseWriter, r *http.Request) {
	var req systemMovement
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.System.Credit(r.Context(), req.Amount, req.Reason, req.Counterparty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry_ids": res.EntryIDs})
}

func (h *OpsHandler) systemDebit(w http.ResponseWriter, r *http.Request) {
	var req systemMovement
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.System.Debit(r.Context(), req.Amount, req.Reason, req.Counterparty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry_ids": res.EntryIDs})
}

func (h *OpsHandler) sweep(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Sweeper.SweepOnce(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"scanned":           summary.Scanned,
		"unlocked":          summary.Unlocked,
		"already_processed": summary.AlreadyProcessed,
		"failed":            summary.Failed,
	})
}

func (h *OpsHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reconciler.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}
