package hrest

import (
	"net/http"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/usecase"
	"github.com/avu-1/CREDORA/pkg/auth/middleware"
	"github.com/avu-1/CREDORA/pkg/response"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type LedgerHandler struct {
	transfers *usecase.TransferUsecase
	views     *usecase.ViewUsecase
	logger    *zap.Logger
}

func NewLedgerHandler(transfers *usecase.TransferUsecase, views *usecase.ViewUsecase, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{transfers: transfers, views: views, logger: logger}
}

type TransferJSON struct {
	FromAccountID   string          `json:"fromAccountId"`
	ToAccountNumber string          `json:"toAccountNumber"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
}

// CreateTransfer moves funds and answers 201 with the committed result. A
// replayed idempotent request answers 200.
func (h *LedgerHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, xerrors.ErrUnauthorized)
		return
	}

	var in TransferJSON
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	meta := requestMeta(r)
	res, err := h.transfers.Execute(r.Context(), domain.TransferRequest{
		FromAccountID:    in.FromAccountID,
		ToAccountNumber:  in.ToAccountNumber,
		Amount:           in.Amount,
		Description:      in.Description,
		RequestingUserID: userID,
		IdempotencyKey:   r.Header.Get(HeaderIdempotencyKey),
		RequestID:        meta.RequestID,
		IPAddress:        meta.IPAddress,
		UserAgent:        meta.UserAgent,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(HeaderReferenceNumber, res.ReferenceNumber)
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	response.JSON(w, status, res)
}

func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, xerrors.ErrUnauthorized)
		return
	}
	limit, err := queryInt(r, "limit", domain.DefaultHistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	q := domain.HistoryQuery{AccountID: chi.URLParam(r, "accountId"), Limit: limit, Offset: offset}
	txs, err := h.views.History(r.Context(), userID, q, wantsFresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	response.JSON(w, http.StatusOK, txs)
}

func (h *LedgerHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, xerrors.ErrUnauthorized)
		return
	}
	accounts, err := h.views.Accounts(r.Context(), userID, wantsFresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []*domain.Account{}
	}
	response.JSON(w, http.StatusOK, accounts)
}

func (h *LedgerHandler) Account(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, xerrors.ErrUnauthorized)
		return
	}
	a, err := h.views.Account(r.Context(), userID, chi.URLParam(r, "id"), wantsFresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, a)
}

func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, xerrors.ErrUnauthorized)
		return
	}
	bal, err := h.views.Balance(r.Context(), userID, chi.URLParam(r, "id"), wantsFresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, bal)
}

func (h *LedgerHandler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, xerrors.ErrUnauthorized)
		return
	}
	p, err := h.views.Profile(r.Context(), userID, wantsFresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, p)
}

func (h *LedgerHandler) RegisterRoutes(r chi.Router) {
	r.Get("/accounts", h.ListAccounts)
	r.Get("/accounts/{id}", h.Account)
	r.Get("/accounts/{id}/balance", h.Balance)
	r.Get("/profile", h.Profile)
	r.Get("/transactions/history/{accountId}", h.History)
}
