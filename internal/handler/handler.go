// Package handler содержит HTTP-обработчики API реестра баллов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/milheiro-ledger/internal/middleware"
	"github.com/mmeshcher/milheiro-ledger/internal/model"
	"github.com/mmeshcher/milheiro-ledger/internal/quota"
	"github.com/mmeshcher/milheiro-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreatePurchase(ctx context.Context, actor model.Actor, in service.PurchaseInput) (*model.Purchase, error)
	ClosePurchase(ctx context.Context, actor model.Actor, purchaseID int64, overrides map[model.Program]int64) (*service.CloseResult, error)
	CreateSale(ctx context.Context, actor model.Actor, in service.SaleInput) (*service.SaleResult, error)
	QuotaRemaining(ctx context.Context, customerID int64, program model.Program, ref time.Time) (quota.Status, error)
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
	SuggestCustomersForSale(ctx context.Context, program model.Program, pointsNeeded int64, passengersNeeded int) ([]service.Suggestion, error)
}

// Handler реализует HTTP-обработчики API реестра баллов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
	now            func() time.Time
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metrics может быть nil, тогда /metrics не публикуется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
		now:            time.Now,
	}
}

type errorResponse struct {
	Kind   model.ErrorKind `json:"kind"`
	Reason string          `json:"reason"`
}

var statusByKind = map[model.ErrorKind]int{
	model.KindNotFound:               http.StatusNotFound,
	model.KindAlreadyReleased:        http.StatusConflict,
	model.KindInvalidState:           http.StatusConflict,
	model.KindValidation:             http.StatusBadRequest,
	model.KindAccountBlocked:         http.StatusUnprocessableEntity,
	model.KindCustomerNotApproved:    http.StatusUnprocessableEntity,
	model.KindPurchaseNotEligible:    http.StatusUnprocessableEntity,
	model.KindInsufficientBalance:    http.StatusPaymentRequired,
	model.KindPassengerQuotaExceeded: http.StatusConflict,
}

// StatusFor возвращает HTTP-статус для кода доменной ошибки.
func StatusFor(kind model.ErrorKind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	kind := model.KindOf(err)
	resp := errorResponse{Kind: kind, Reason: err.Error()}
	if kind == model.KindInternal {
		h.logger.Error(op+" error", zap.Error(err))
		resp.Reason = http.StatusText(http.StatusInternalServerError)
	}
	writeJSON(w, StatusFor(kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrValidation, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("malformed body: %s", err.Error())
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s", name)
	}
	return id, nil
}

func parsePrograms(in map[string]int64) (map[model.Program]int64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[model.Program]int64, len(in))
	for k, v := range in {
		p, err := model.ParseProgram(k)
		if err != nil {
			return nil, err
		}
		out[p] = v
	}
	return out, nil
}

func actorFrom(r *http.Request) (model.Actor, bool) {
	return middleware.GetActorFromContext(r.Context())
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

type purchaseItemRequest struct {
	Kind                  string          `json:"kind"`
	Program               string          `json:"program"`
	Points                int64           `json:"points"`
	PricePerThousandCents int64           `json:"pricePerThousandCents"`
	Meta                  json.RawMessage `json:"meta"`
}

type purchaseRequest struct {
	CustomerID  int64                 `json:"customerId"`
	Targets     map[string]int64      `json:"targets"`
	PayoutCents int64                 `json:"payoutCents"`
	Items       []purchaseItemRequest `json:"items"`
}

type purchaseItemResponse struct {
	ID                    int64            `json:"id"`
	Kind                  model.ItemKind   `json:"kind"`
	Program               model.Program    `json:"program"`
	Points                int64            `json:"points"`
	PricePerThousandCents int64            `json:"pricePerThousandCents"`
	Meta                  json.RawMessage  `json:"meta,omitempty"`
	Status                model.ItemStatus `json:"status"`
}

type purchaseResponse struct {
	ID               int64                   `json:"id"`
	CustomerID       *int64                  `json:"customerId"`
	Status           model.PurchaseStatus    `json:"status"`
	Targets          model.PerProgram        `json:"targets"`
	PayoutCents      int64                   `json:"payoutCents"`
	ExpectedBalances map[model.Program]int64 `json:"expectedBalances,omitempty"`
	BaseBalances     map[model.Program]int64 `json:"baseBalances,omitempty"`
	AppliedBalances  *model.PerProgram       `json:"appliedBalances,omitempty"`
	CreditedPoints   *model.PerProgram       `json:"creditedPoints,omitempty"`
	Items            []purchaseItemResponse  `json:"items"`
	CreatedAt        string                  `json:"createdAt"`
	ReleasedAt       *string                 `json:"releasedAt,omitempty"`
	ReleasedBy       *int64                  `json:"releasedBy,omitempty"`
}

func toPurchaseResponse(p *model.Purchase) purchaseResponse {
	items := make([]purchaseItemResponse, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, purchaseItemResponse{
			ID:                    it.ID,
			Kind:                  it.Kind,
			Program:               it.Program,
			Points:                it.Points,
			PricePerThousandCents: it.PricePerThousandCents,
			Meta:                  it.Meta,
			Status:                it.Status,
		})
	}
	return purchaseResponse{
		ID:               p.ID,
		CustomerID:       p.CustomerID,
		Status:           p.Status,
		Targets:          p.Targets,
		PayoutCents:      p.PayoutCents,
		ExpectedBalances: p.ExpectedBalances,
		BaseBalances:     p.BaseBalances,
		AppliedBalances:  p.AppliedBalances,
		CreditedPoints:   p.CreditedPoints,
		Items:            items,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
		ReleasedAt:       formatTime(p.ReleasedAt),
		ReleasedBy:       p.ReleasedBy,
	}
}

// CreatePurchase создаёт покупку баллов у цедента.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "create purchase", err)
		return
	}

	targets, err := parsePrograms(req.Targets)
	if err != nil {
		h.writeError(w, "create purchase", err)
		return
	}
	in := service.PurchaseInput{
		CustomerID:  req.CustomerID,
		PayoutCents: req.PayoutCents,
		Items:       make([]service.PurchaseItemInput, 0, len(req.Items)),
	}
	for p, v := range targets {
		in.Targets.Set(p, v)
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, service.PurchaseItemInput{
			Kind:                  model.ItemKind(strings.ToUpper(it.Kind)),
			Program:               model.Program(strings.ToUpper(it.Program)),
			Points:                it.Points,
			PricePerThousandCents: it.PricePerThousandCents,
			Meta:                  it.Meta,
		})
	}

	p, err := h.service.CreatePurchase(r.Context(), actor, in)
	if err != nil {
		h.writeError(w, "create purchase", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPurchaseResponse(p))
}

type closeRequest struct {
	Overrides map[string]int64 `json:"overrides"`
}

type commissionResponse struct {
	ID          int64                  `json:"id"`
	AmountCents int64                  `json:"amountCents"`
	Status      model.CommissionStatus `json:"status"`
}

type closeResponse struct {
	Purchase                purchaseResponse    `json:"purchase"`
	Commission              *commissionResponse `json:"commission,omitempty"`
	ClubSubscriptionsLinked int                 `json:"clubSubscriptionsLinked"`
}

// ClosePurchase закрывает покупку и начисляет баллы цеденту.
func (h *Handler) ClosePurchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "close purchase", err)
		return
	}

	var req closeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "close purchase", err)
		return
	}
	overrides, err := parsePrograms(req.Overrides)
	if err != nil {
		h.writeError(w, "close purchase", err)
		return
	}

	res, err := h.service.ClosePurchase(r.Context(), actor, id, overrides)
	if err != nil {
		h.writeError(w, "close purchase", err)
		return
	}

	resp := closeResponse{
		Purchase:                toPurchaseResponse(res.Purchase),
		ClubSubscriptionsLinked: res.ClubSubscriptionsLinked,
	}
	if c := res.Commission; c != nil {
		resp.Commission = &commissionResponse{ID: c.ID, AmountCents: c.AmountCents, Status: c.Status}
	}
	writeJSON(w, http.StatusOK, resp)
}

type saleRequest struct {
	CustomerID            int64  `json:"customerId"`
	ClientID              int64  `json:"clientId"`
	Program               string `json:"program"`
	Points                int64  `json:"points"`
	Passengers            int    `json:"passengers"`
	PricePerThousandCents int64  `json:"pricePerThousandCents"`
	EmbarqueFeeCents      int64  `json:"embarqueFeeCents"`
	PurchaseID            *int64 `json:"purchaseId"`
	Locator               string `json:"locator"`
	Date                  string `json:"date"`
}

type saleResponse struct {
	SaleID          int64        `json:"saleId"`
	SaleNumber      string       `json:"saleNumber"`
	Balance         int64        `json:"balance"`
	Quota           quota.Status `json:"quota"`
	ReceivableID    int64        `json:"receivableId"`
	PointValueCents int64        `json:"pointValueCents"`
	TotalCents      int64        `json:"totalCents"`
	CommissionCents int64        `json:"commissionCents"`
	BonusCents      int64        `json:"bonusCents"`
}

// CreateSale создаёт продажу баллов конечному клиенту.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req saleRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "create sale", err)
		return
	}

	program, err := model.ParseProgram(req.Program)
	if err != nil {
		h.writeError(w, "create sale", err)
		return
	}
	in := service.SaleInput{
		CustomerID:            req.CustomerID,
		ClientID:              req.ClientID,
		Program:               program,
		Points:                req.Points,
		Passengers:            req.Passengers,
		PricePerThousandCents: req.PricePerThousandCents,
		EmbarqueFeeCents:      req.EmbarqueFeeCents,
		PurchaseID:            req.PurchaseID,
		Locator:               req.Locator,
	}
	if req.Date != "" {
		d, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			h.writeError(w, "create sale", badRequest("invalid date %q", req.Date))
			return
		}
		in.Date = &d
	}

	res, err := h.service.CreateSale(r.Context(), actor, in)
	if err != nil {
		h.writeError(w, "create sale", err)
		return
	}

	writeJSON(w, http.StatusCreated, saleResponse{
		SaleID:          res.SaleID,
		SaleNumber:      res.SaleNumber,
		Balance:         res.Balance,
		Quota:           res.QuotaInfo,
		ReceivableID:    res.ReceivableID,
		PointValueCents: res.Sale.PointValueCents,
		TotalCents:      res.Sale.TotalCents,
		CommissionCents: res.Sale.CommissionCents,
		BonusCents:      res.Sale.BonusCents,
	})
}

// GetQuota возвращает остаток квоты пассажиров цедента по программе.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "get quota", err)
		return
	}

	q := r.URL.Query()
	program, err := model.ParseProgram(q.Get("program"))
	if err != nil {
		h.writeError(w, "get quota", err)
		return
	}

	ref := h.now()
	if s := q.Get("date"); s != "" {
		if ref, err = time.Parse(time.DateOnly, s); err != nil {
			h.writeError(w, "get quota", badRequest("invalid date %q", s))
			return
		}
	}

	status, err := h.service.QuotaRemaining(r.Context(), id, program, ref)
	if err != nil {
		h.writeError(w, "get quota", err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

type balanceResponse struct {
	CustomerID int64            `json:"customerId"`
	Balances   model.PerProgram `json:"balances"`
}

// GetBalance возвращает балансы цедента по всем программам.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, "get balance", err)
		return
	}

	c, err := h.service.GetCustomer(r.Context(), id)
	if err != nil {
		h.writeError(w, "get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{CustomerID: c.ID, Balances: c.Balances})
}

// GetSuggestions подбирает цедентов для продажи.
func (h *Handler) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	program, err := model.ParseProgram(q.Get("program"))
	if err != nil {
		h.writeError(w, "get suggestions", err)
		return
	}
	points, err := strconv.ParseInt(q.Get("points"), 10, 64)
	if err != nil {
		h.writeError(w, "get suggestions", badRequest("invalid points"))
		return
	}
	passengers, err := strconv.Atoi(q.Get("passengers"))
	if err != nil {
		h.writeError(w, "get suggestions", badRequest("invalid passengers"))
		return
	}

	res, err := h.service.SuggestCustomersForSale(r.Context(), program, points, passengers)
	if err != nil {
		h.writeError(w, "get suggestions", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
