// internal/circulation/handler.go
package circulation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/reservation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultEventPage = 100

type Handler struct {
	service  Service
	validate *validator.Validate
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHandler exposes service over HTTP. A nil limiter disables throttling
// of mutating requests.
func NewHandler(service Service, limiter *rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  service,
		validate: validator.New(),
		limiter:  limiter,
		logger:   logger,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/loans", func(r chi.Router) {
		r.With(h.throttle).Post("/", h.HandleBorrow)
		r.Get("/overdue", h.HandleOverdueLoans)
		r.Get("/{id}", h.HandleGetLoan)
		r.With(h.throttle).Post("/{id}/return", h.HandleReturn)
		r.With(h.throttle).Post("/{id}/renew", h.HandleRenew)
		r.With(h.throttle).Post("/{id}/lost", h.HandleMarkLost)
	})

	r.Route("/members/{id}", func(r chi.Router) {
		r.Get("/loans", h.HandleCurrentLoans)
		r.Get("/loans/history", h.HandleLoanHistory)
		r.Get("/loans/overdue", h.HandleMemberOverdue)
		r.Get("/reservations", h.HandleMemberReservations)
		r.Get("/fines", h.HandleMemberFines)
		r.Get("/fines/total", h.HandleTotalUnpaid)
		r.With(h.throttle).Post("/fines/pay", h.HandlePayAll)
	})

	r.Route("/reservations", func(r chi.Router) {
		r.With(h.throttle).Post("/", h.HandleReserve)
		r.With(h.throttle).Post("/sweep", h.HandleSweep)
		r.Get("/{id}", h.HandleGetReservation)
		r.With(h.throttle).Delete("/{id}", h.HandleCancelReservation)
	})

	r.Route("/titles/{id}/queue", func(r chi.Router) {
		r.Get("/", h.HandleQueueLength)
		r.Get("/{memberID}", h.HandleQueuePosition)
	})

	r.Route("/fines", func(r chi.Router) {
		r.With(h.throttle).Post("/", h.HandleAssessFine)
		r.Get("/unpaid", h.HandleAllUnpaid)
		r.Get("/policy", h.HandleFinePolicy)
		r.Get("/{id}", h.HandleGetFine)
		r.With(h.throttle).Post("/{id}/pay", h.HandlePayFine)
		r.With(h.throttle).Post("/{id}/waive", h.HandleWaiveFine)
	})

	r.Get("/events", h.HandleEvents)
	r.Get("/events/{id}", h.HandleHistory)
	return r
}

func (h *Handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type borrowRequest struct {
	MemberID uuid.UUID `json:"member_id" validate:"required"`
	TitleID  uuid.UUID `json:"title_id" validate:"required"`
}

type lostRequest struct {
	ReplacementCost decimal.Decimal `json:"replacement_cost"`
}

type paymentRequest struct {
	PaymentMethod string `json:"payment_method" validate:"required,max=50"`
}

type waiveRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.service.Borrow(r.Context(), req.MemberID, req.TitleID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	l, err := h.service.Loan(r.Context(), id)
	respond(h, w, r, l, err)
}

func (h *Handler) HandleOverdueLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.OverdueLoans(r.Context())
	respond(h, w, r, loans, err)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	l, err := h.service.Return(r.Context(), id)
	respond(h, w, r, l, err)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	l, err := h.service.Renew(r.Context(), id)
	respond(h, w, r, l, err)
}

func (h *Handler) HandleMarkLost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req lostRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.service.MarkLost(r.Context(), id, req.ReplacementCost)
	respond(h, w, r, l, err)
}

func (h *Handler) HandleCurrentLoans(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	loans, err := h.service.CurrentLoans(r.Context(), id)
	respond(h, w, r, loans, err)
}

func (h *Handler) HandleLoanHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	loans, err := h.service.LoanHistory(r.Context(), id)
	respond(h, w, r, loans, err)
}

func (h *Handler) HandleMemberOverdue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	loans, err := h.service.OverdueLoansByMember(r.Context(), id)
	respond(h, w, r, loans, err)
}

func (h *Handler) HandleMemberReservations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rs, err := h.service.MemberReservations(r.Context(), id)
	respond(h, w, r, rs, err)
}

func (h *Handler) HandleMemberFines(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var (
		fs  []*fines.Fine
		err error
	)
	if unpaid, _ := strconv.ParseBool(r.URL.Query().Get("unpaid")); unpaid {
		fs, err = h.service.UnpaidFines(r.Context(), id)
	} else {
		fs, err = h.service.Fines(r.Context(), id)
	}
	respond(h, w, r, fs, err)
}

func (h *Handler) HandleTotalUnpaid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	total, err := h.service.TotalUnpaid(r.Context(), id)
	respond(h, w, r, map[string]decimal.Decimal{"total_unpaid": total}, err)
}

func (h *Handler) HandlePayAll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	fs, err := h.service.PayAllFines(r.Context(), id, req.PaymentMethod)
	respond(h, w, r, fs, err)
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Reserve(r.Context(), req.MemberID, req.TitleID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) HandleGetReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.service.Reservation(r.Context(), id)
	respond(h, w, r, res, err)
}

func (h *Handler) HandleCancelReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	memberID, err := uuid.Parse(r.URL.Query().Get("member_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "member_id query parameter must be a uuid")
		return
	}
	if err := h.service.CancelReservation(r.Context(), id, memberID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.SweepExpiredReservations(r.Context(), time.Now().UTC())
	respond(h, w, r, map[string]int{"expired": n}, err)
}

func (h *Handler) HandleQueueLength(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := h.service.QueueLength(r.Context(), id)
	respond(h, w, r, map[string]int{"queue_length": n}, err)
}

func (h *Handler) HandleQueuePosition(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	pos, err := h.service.QueuePosition(r.Context(), memberID, titleID)
	respond(h, w, r, map[string]int{"queue_position": pos}, err)
}

func (h *Handler) HandleAssessFine(w http.ResponseWriter, r *http.Request) {
	var req AssessRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.service.AssessFine(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *Handler) HandleAllUnpaid(w http.ResponseWriter, r *http.Request) {
	fs, err := h.service.AllUnpaidFines(r.Context())
	respond(h, w, r, fs, err)
}

func (h *Handler) HandleFinePolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.FinePolicy())
}

func (h *Handler) HandleGetFine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	f, err := h.service.Fine(r.Context(), id)
	respond(h, w, r, f, err)
}

func (h *Handler) HandlePayFine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.service.PayFine(r.Context(), id, req.PaymentMethod)
	respond(h, w, r, f, err)
}

func (h *Handler) HandleWaiveFine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req waiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.service.WaiveFine(r.Context(), id, req.Reason)
	respond(h, w, r, f, err)
}

func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultEventPage
	}
	events, err := h.service.Events(r.Context(), after, limit)
	respond(h, w, r, events, err)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), id)
	respond(h, w, r, events, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func respond(h *Handler, w http.ResponseWriter, r *http.Request, v interface{}, err error) {
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// statusOf maps coordinator errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reservation.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict),
		errors.Is(err, inventory.ErrUnavailable),
		errors.Is(err, ErrReservedByOther),
		errors.Is(err, loan.ErrNotActive),
		errors.Is(err, loan.ErrMaxRenewalsReached),
		errors.Is(err, loan.ErrReservationPending),
		errors.Is(err, loan.ErrLoanOverdue),
		errors.Is(err, reservation.ErrAlreadyQueued),
		errors.Is(err, reservation.ErrTitleAvailable),
		errors.Is(err, reservation.ErrNotCancellable),
		errors.Is(err, fines.ErrAlreadyPaid):
		return http.StatusConflict
	case IsDomainError(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err.Error())
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
