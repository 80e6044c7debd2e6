package market

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gridpool/clearing-engine/internal/capacity"
	"github.com/gridpool/clearing-engine/internal/merit"
	"github.com/gridpool/clearing-engine/internal/store"
)

// --- Request/Response types ---

// OfferRequest is the JSON body for POST /api/v1/offers.
type OfferRequest struct {
	Supplier    string `json:"supplier"`
	BlockNumber uint8  `json:"block_number"`
	Amount      uint64 `json:"amount"`
	Price       uint64 `json:"price"`
}

// BidRequest is the JSON body for POST /api/v1/bids.
type BidRequest struct {
	Consumer string `json:"consumer"`
	Amount   uint64 `json:"amount"`
	Price    uint64 `json:"price"`
}

// DemandResponse is the JSON body for GET /api/v1/demand.
type DemandResponse struct {
	TotalDemand uint64 `json:"total_demand"`
}

// --- HTTP Handlers ---

// HandleSubmitOffer handles POST /api/v1/offers.
func (s *Service) HandleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Supplier == "" {
		writeError(w, "supplier is required", http.StatusBadRequest)
		return
	}

	offer, err := s.SubmitOffer(r.Context(), req.Supplier, req.BlockNumber, req.Amount, req.Price)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// HandleListOffers handles GET /api/v1/offers.
func (s *Service) HandleListOffers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ValidOfferIDs(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// HandleGetOffer handles GET /api/v1/offers/{offerID}.
func (s *Service) HandleGetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.Offer(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// HandleSubmitBid handles POST /api/v1/bids.
func (s *Service) HandleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Consumer == "" {
		writeError(w, "consumer is required", http.StatusBadRequest)
		return
	}

	bid, newTotal, err := s.SubmitBid(r.Context(), req.Consumer, req.Amount, req.Price)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"bid":          bid,
		"total_demand": newTotal,
	})
}

// HandleListBids handles GET /api/v1/bids.
func (s *Service) HandleListBids(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ValidBidIDs(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// HandleGetBid handles GET /api/v1/bids/{bidID}.
func (s *Service) HandleGetBid(w http.ResponseWriter, r *http.Request) {
	bid, err := s.Bid(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// HandleBidHistory handles GET /api/v1/hours/{hour}/bids.
func (s *Service) HandleBidHistory(w http.ResponseWriter, r *http.Request) {
	hour, ok := parseEpoch(w, r, "hour")
	if !ok {
		return
	}
	records, err := s.BidsInHour(r.Context(), hour)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleGetDemand handles GET /api/v1/demand.
func (s *Service) HandleGetDemand(w http.ResponseWriter, r *http.Request) {
	total, err := s.LatestTotalDemand(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DemandResponse{TotalDemand: total})
}

// HandleCalculateSMP handles POST /api/v1/smp.
func (s *Service) HandleCalculateSMP(w http.ResponseWriter, r *http.Request) {
	rec, err := s.CalculateSMP(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleGetSMP handles GET /api/v1/smp/{minute}.
func (s *Service) HandleGetSMP(w http.ResponseWriter, r *http.Request) {
	minute, ok := parseEpoch(w, r, "minute")
	if !ok {
		return
	}
	rec, err := s.SMP(r.Context(), minute)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleDispatchedOffers handles GET /api/v1/hours/{hour}/dispatch.
func (s *Service) HandleDispatchedOffers(w http.ResponseWriter, r *http.Request) {
	hour, ok := parseEpoch(w, r, "hour")
	if !ok {
		return
	}
	offers, err := s.DispatchedOffers(r.Context(), hour)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

// HandleCalculatePoolPrice handles POST /api/v1/hours/{hour}/pool-price.
func (s *Service) HandleCalculatePoolPrice(w http.ResponseWriter, r *http.Request) {
	hour, ok := parseEpoch(w, r, "hour")
	if !ok {
		return
	}
	rec, err := s.CalculatePoolPrice(r.Context(), hour)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleGetPoolPrice handles GET /api/v1/hours/{hour}/pool-price.
func (s *Service) HandleGetPoolPrice(w http.ResponseWriter, r *http.Request) {
	hour, ok := parseEpoch(w, r, "hour")
	if !ok {
		return
	}
	rec, err := s.PoolPrice(r.Context(), hour)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- helpers ---

func parseEpoch(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v < 0 {
		writeError(w, name+" must be a non-negative unix timestamp", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// writeEngineError maps engine errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnregisteredSupplier), errors.Is(err, ErrUnregisteredConsumer):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, capacity.ErrCapacityExceeded),
		errors.Is(err, capacity.ErrDemandExceedsSupply),
		errors.Is(err, merit.ErrInsufficientSupply),
		errors.Is(err, ErrPriceOutOfBounds):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrFutureHour):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
