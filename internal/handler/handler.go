package handler

import (
	"net/http"
	"time"

	"github.com/Dan9191/coop-ledger/internal/config"
	"github.com/Dan9191/coop-ledger/internal/middleware"
	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/service"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	svc      *service.Service
	keyRates service.KeyRateSource
	cfg      *config.Config
	log      *logrus.Logger
}

func NewHandler(svc *service.Service, keyRates service.KeyRateSource, cfg *config.Config, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, keyRates: keyRates, cfg: cfg, log: log}
}

// Routes registers the API on r. Everything except the key rate requires an
// actor token and the capability named at the route.
func (h *Handler) Routes(r *mux.Router, auth mux.MiddlewareFunc) {
	r.HandleFunc("/key-rate", h.KeyRate).Methods("GET")

	api := r.PathPrefix("/").Subrouter()
	api.Use(auth)
	route := func(path, method string, want models.Capability, fn http.HandlerFunc) {
		api.HandleFunc(path, middleware.RequireCapability(want, fn)).Methods(method)
	}

	route("/members", "POST", models.CapManageMembers, h.CreateMember)
	route("/members/{id}", "GET", models.CapViewLedger, h.GetMember)
	route("/members/{id}/accounts", "POST", models.CapManageMembers, h.OpenAccount)
	route("/members/{id}/loans", "GET", models.CapViewLedger, h.MemberLoans)

	route("/accounts/{id}", "GET", models.CapViewLedger, h.GetAccount)
	route("/accounts/{id}/transactions", "GET", models.CapViewLedger, h.History)
	route("/accounts/{id}/audit", "GET", models.CapViewLedger, h.Audit)
	route("/accounts/{id}/deposit", "POST", models.CapPostTransactions, h.Deposit)
	route("/accounts/{id}/withdraw", "POST", models.CapPostTransactions, h.Withdraw)
	route("/accounts/{id}/interest", "POST", models.CapManageInterest, h.ApplyInterest)
	route("/accounts/{id}/close", "POST", models.CapManageMembers, h.CloseAccount)
	route("/accounts/{id}/reactivate", "POST", models.CapManageDormancy, h.Reactivate)

	route("/interest-settings", "POST", models.CapManageInterest, h.CreateInterestSetting)
	route("/interest-settings/current", "GET", models.CapViewLedger, h.CurrentInterestSetting)
	route("/interest/run", "POST", models.CapRunBatches, h.RunInterest)

	route("/loans/quote", "POST", models.CapOriginateLoans, h.QuoteLoan)
	route("/loans", "POST", models.CapOriginateLoans, h.OriginateLoan)
	route("/loans/{id}", "GET", models.CapViewLedger, h.GetLoan)
	route("/loans/{id}/schedule", "GET", models.CapViewLedger, h.LoanSchedule)
	route("/loans/{id}/approve", "POST", models.CapApproveLoans, h.ApproveLoan)
	route("/loans/{id}/reject", "POST", models.CapApproveLoans, h.RejectLoan)
	route("/loans/{id}/release", "POST", models.CapReleaseLoans, h.ReleaseLoan)
	route("/loans/{id}/payments", "POST", models.CapCollectPayments, h.RecordPayment)

	route("/dormancy/sweep", "POST", models.CapManageDormancy, h.SweepDormancy)
	route("/dormancy/accounts", "GET", models.CapViewLedger, h.DormantAccounts)
	route("/dormancy/records", "GET", models.CapViewLedger, h.DormancyRecords)
}

func actorOf(r *http.Request) models.Actor {
	actor, _ := middleware.ActorFromContext(r.Context())
	return actor
}

type memberRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateMember registers a member
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	member, err := h.svc.CreateMember(r.Context(), req.Name, req.Email, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	member, err := h.svc.Member(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

// OpenAccount opens a savings account for the member in the path
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.svc.Ledger.OpenAccount(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (h *Handler) MemberLoans(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	loans, err := h.svc.Loans.MemberLoans(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.svc.Ledger.Account(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// History pages through an account's transactions with ?limit=&offset=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	history, err := h.svc.Ledger.History(r.Context(), id, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.svc.Ledger.Audit(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type postingRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type postingFunc func(r *http.Request, accountID int64, req postingRequest) (*models.Transaction, error)

func (h *Handler) posting(fn postingFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		var req postingRequest
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		tr, err := fn(r, id, req)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, tr)
	}
}

// Deposit credits the account in the path
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.posting(func(r *http.Request, id int64, req postingRequest) (*models.Transaction, error) {
		return h.svc.Ledger.Deposit(r.Context(), id, req.Amount, actorOf(r), req.Description)
	})(w, r)
}

// Withdraw debits the account in the path
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.posting(func(r *http.Request, id int64, req postingRequest) (*models.Transaction, error) {
		return h.svc.Ledger.Withdraw(r.Context(), id, req.Amount, actorOf(r), req.Description)
	})(w, r)
}

// ApplyInterest posts a manual interest credit
func (h *Handler) ApplyInterest(w http.ResponseWriter, r *http.Request) {
	h.posting(func(r *http.Request, id int64, req postingRequest) (*models.Transaction, error) {
		return h.svc.Interest.ApplyInterest(r.Context(), id, req.Amount, actorOf(r))
	})(w, r)
}

func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.svc.Ledger.CloseAccount(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.svc.Dormancy.Reactivate(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type interestSettingRequest struct {
	Rate             decimal.Decimal         `json:"rate"`
	MinimumBalance   decimal.Decimal         `json:"minimum_balance"`
	ComputationBasis models.ComputationBasis `json:"computation_basis"`
	EffectiveDate    string                  `json:"effective_date"`
}

func parseDate(raw string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, models.Validationf("invalid date %q, want YYYY-MM-DD", raw)
	}
	return t, nil
}

// CreateInterestSetting stores a new interest policy version
func (h *Handler) CreateInterestSetting(w http.ResponseWriter, r *http.Request) {
	var req interestSettingRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	effective, err := parseDate(req.EffectiveDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setting, err := h.svc.Interest.CreateSetting(r.Context(), models.InterestSetting{
		Rate:             req.Rate,
		MinimumBalance:   req.MinimumBalance,
		ComputationBasis: req.ComputationBasis,
		EffectiveDate:    effective,
	}, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, setting)
}

// CurrentInterestSetting resolves the setting in effect today or at ?as_of=
func (h *Handler) CurrentInterestSetting(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		asOf = t
	}
	setting, err := h.svc.Interest.CurrentSetting(r.Context(), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

// RunInterest credits one period of interest to every qualifying account
func (h *Handler) RunInterest(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Interest.ApplyToAllQualifying(r.Context(), actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type quoteRequest struct {
	MemberID   int64           `json:"member_id"`
	Amount     decimal.Decimal `json:"amount"`
	TermMonths int             `json:"term_months"`
	LoanType   string          `json:"loan_type"`
}

func (h *Handler) QuoteLoan(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	quote, err := h.svc.Originator.Quote(r.Context(), req.MemberID, req.Amount, req.TermMonths, req.LoanType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type loanResponse struct {
	Loan     *models.Loan               `json:"loan"`
	Schedule []models.AmortizationEntry `json:"schedule"`
}

// OriginateLoan files a pending loan with its schedule
func (h *Handler) OriginateLoan(w http.ResponseWriter, r *http.Request) {
	var app models.LoanApplication
	if err := decode(r, &app); err != nil {
		h.fail(w, r, err)
		return
	}
	loan, schedule, err := h.svc.Loans.Originate(r.Context(), app, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanResponse{Loan: loan, Schedule: schedule})
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	loan, err := h.svc.Loans.Loan(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) LoanSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	schedule, err := h.svc.Loans.Schedule(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

type loanAction func(r *http.Request, loanID int64) (*models.Loan, error)

func (h *Handler) loanTransition(w http.ResponseWriter, r *http.Request, fn loanAction) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	loan, err := fn(r, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) ApproveLoan(w http.ResponseWriter, r *http.Request) {
	h.loanTransition(w, r, func(r *http.Request, id int64) (*models.Loan, error) {
		return h.svc.Loans.Approve(r.Context(), id, actorOf(r))
	})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectLoan(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.loanTransition(w, r, func(r *http.Request, id int64) (*models.Loan, error) {
		return h.svc.Loans.Reject(r.Context(), id, req.Reason, actorOf(r))
	})
}

// ReleaseLoan deposits the net proceeds of an approved loan
func (h *Handler) ReleaseLoan(w http.ResponseWriter, r *http.Request) {
	h.loanTransition(w, r, func(r *http.Request, id int64) (*models.Loan, error) {
		return h.svc.Loans.Release(r.Context(), id, actorOf(r))
	})
}

type paymentRequest struct {
	EntryID int64           `json:"entry_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// RecordPayment settles one scheduled payment from the loan's account
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req paymentRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	receipt, err := h.svc.Loans.RecordPayment(r.Context(), id, req.EntryID, req.Amount, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

type sweepRequest struct {
	ThresholdMonths int `json:"threshold_months"`
}

// SweepDormancy flags idle accounts. The threshold defaults to the configured
// one when the body omits it.
func (h *Handler) SweepDormancy(w http.ResponseWriter, r *http.Request) {
	req := sweepRequest{ThresholdMonths: h.cfg.DormancyThresholdMonths}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	result, err := h.svc.Dormancy.Sweep(r.Context(), req.ThresholdMonths, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) DormantAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.svc.Dormancy.DormantAccounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// DormancyRecords lists dormancy records, filtered by ?status= when given
func (h *Handler) DormancyRecords(w http.ResponseWriter, r *http.Request) {
	status := models.DormancyStatus(r.URL.Query().Get("status"))
	records, err := h.svc.Dormancy.Records(r.Context(), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// KeyRate returns the current central bank key rate
func (h *Handler) KeyRate(w http.ResponseWriter, r *http.Request) {
	if h.keyRates == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "key rate source not configured"})
		return
	}
	rate, err := h.keyRates.GetKeyRate(r.Context())
	if err != nil {
		h.log.Errorf("Failed to get key rate: %v", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "key rate unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"key_rate": rate})
}
