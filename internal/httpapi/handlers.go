package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lumix/dmrv-engine/internal/audit"
	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/ingest"
	"github.com/lumix/dmrv-engine/internal/irradiance"
	"github.com/lumix/dmrv-engine/internal/ledger"
	"github.com/lumix/dmrv-engine/internal/report"
	"github.com/lumix/dmrv-engine/internal/theoretical"
	"github.com/lumix/dmrv-engine/internal/verify"
)

// Handlers holds the engine services the HTTP surface dispatches into.
type Handlers struct {
	ledger  *ledger.Ledger
	ingest  *ingest.Service
	reports *report.Service
	trail   *audit.Trail
	logger  *zap.Logger
}

type errorResponse struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type inverterResponse struct {
	ID         string  `json:"id"`
	GPSLat     float64 `json:"gps_lat"`
	GPSLon     float64 `json:"gps_lon"`
	CapacityKW float64 `json:"capacity_kw"`
	CreatedAt  string  `json:"created_at"`
}

type creditResponse struct {
	ID            string   `json:"id"`
	InverterID    string   `json:"inverter_id"`
	Date          string   `json:"date"`
	TonnesCO2     float64  `json:"tonnes_co2"`
	Status        string   `json:"status"`
	Correlation   *float64 `json:"correlation"`
	FlaggedReason *string  `json:"flagged_reason"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

func toInverterResponse(inv *db.Inverter) inverterResponse {
	return inverterResponse{
		ID:         inv.ID.String(),
		GPSLat:     inv.GPSLat,
		GPSLon:     inv.GPSLon,
		CapacityKW: inv.CapacityKW,
		CreatedAt:  inv.CreatedAt.Format(time.RFC3339),
	}
}

func toCreditResponse(rec *db.CreditRecord) creditResponse {
	return creditResponse{
		ID:            rec.ID.String(),
		InverterID:    rec.InverterID.String(),
		Date:          rec.CreditDate.Format("2006-01-02"),
		TonnesCO2:     rec.TonnesCO2,
		Status:        string(rec.Status),
		Correlation:   rec.Correlation,
		FlaggedReason: rec.FlaggedReason,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     rec.UpdatedAt.Format(time.RFC3339),
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateInverter registers a new inverter.
func (h *Handlers) CreateInverter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GPSLat     float64 `json:"gps_lat"`
		GPSLon     float64 `json:"gps_lon"`
		CapacityKW float64 `json:"capacity_kw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	inv, err := h.ingest.CreateInverter(r.Context(), req.GPSLat, req.GPSLon, req.CapacityKW)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInverterResponse(inv))
}

// ListInverters returns all registered inverters.
func (h *Handlers) ListInverters(w http.ResponseWriter, r *http.Request) {
	inverters, err := h.ingest.ListInverters(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	out := make([]inverterResponse, 0, len(inverters))
	for i := range inverters {
		out = append(out, toInverterResponse(&inverters[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetInverter returns one inverter.
func (h *Handlers) GetInverter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	inv, err := h.ingest.GetInverter(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInverterResponse(inv))
}

// IngestReadings accepts a batch of raw readings for an inverter.
func (h *Handlers) IngestReadings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Readings []ingest.RawReading `json:"readings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Readings) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "readings must not be empty")
		return
	}

	result, err := h.ingest.IngestReadings(r.Context(), id, req.Readings)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CalculateCredit sums a day's readings into a PENDING credit.
func (h *Handlers) CalculateCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InverterID string `json:"inverter_id"`
		Date       string `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	id, err := uuid.Parse(req.InverterID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid inverter_id")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid date, expected YYYY-MM-DD")
		return
	}

	rec, err := h.ledger.Calculate(r.Context(), id, date)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditResponse(rec))
}

// GetCredit returns the credit for one (inverter, date) key.
func (h *Handlers) GetCredit(w http.ResponseWriter, r *http.Request) {
	id, date, ok := pathCreditKey(w, r)
	if !ok {
		return
	}

	rec, err := h.ledger.Get(r.Context(), id, date)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditResponse(rec))
}

// ListInverterCredits returns all credits for an inverter.
func (h *Handlers) ListInverterCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	credits, err := h.reports.InverterCredits(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creditList(credits))
}

// VerifyCredit runs verification for one (inverter, date) key.
func (h *Handlers) VerifyCredit(w http.ResponseWriter, r *http.Request) {
	id, date, ok := pathCreditKey(w, r)
	if !ok {
		return
	}

	rec, err := h.ledger.Verify(r.Context(), id, date)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditResponse(rec))
}

// UpdateCreditStatus applies a manual status override.
func (h *Handlers) UpdateCreditStatus(w http.ResponseWriter, r *http.Request) {
	id, date, ok := pathCreditKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	rec, err := h.ledger.UpdateStatus(r.Context(), id, date, db.CreditStatus(req.Status))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditResponse(rec))
}

// FleetSummary returns the fleet-level rollup.
func (h *Handlers) FleetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reports.FleetSummary(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AuditorView returns the single-inverter auditor view.
func (h *Handlers) AuditorView(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	view, err := h.reports.AuditorView(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreditsByStatus lists credits, optionally filtered by ?status=.
func (h *Handlers) CreditsByStatus(w http.ResponseWriter, r *http.Request) {
	var status *db.CreditStatus
	if s := r.URL.Query().Get("status"); s != "" {
		cs := db.CreditStatus(s)
		if !cs.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown status "+s)
			return
		}
		status = &cs
	}

	credits, err := h.reports.CreditsByStatus(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creditList(credits))
}

// VerifyChain checks the audit chain end to end.
func (h *Handlers) VerifyChain(w http.ResponseWriter, r *http.Request) {
	entries, err := h.trail.VerifyChain(r.Context())
	if err != nil {
		var tampered *audit.TamperError
		if errors.As(err, &tampered) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"kind":   "chain_tampered",
				"seq":    tampered.Seq,
				"detail": tampered.Detail,
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}

// writeServiceError maps service errors to HTTP status codes with a
// structured kind.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInverterNotFound),
		errors.Is(err, ledger.ErrCreditNotFound),
		errors.Is(err, ingest.ErrInverterNotFound),
		errors.Is(err, report.ErrInverterNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, verify.ErrInsufficientSamples):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_samples", err.Error())
	case errors.Is(err, theoretical.ErrInsufficientData):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_data", err.Error())
	case errors.Is(err, irradiance.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "irradiance_unavailable", err.Error())
	case errors.Is(err, ingest.ErrInvalidInverter),
		errors.Is(err, ingest.ErrNoValidReadings):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		h.logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func creditList(credits []db.CreditRecord) []creditResponse {
	out := make([]creditResponse, 0, len(credits))
	for i := range credits {
		out = append(out, toCreditResponse(&credits[i]))
	}
	return out
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func pathCreditKey(w http.ResponseWriter, r *http.Request) (uuid.UUID, time.Time, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return uuid.Nil, time.Time{}, false
	}
	date, err := time.Parse("2006-01-02", mux.Vars(r)["date"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid date, expected YYYY-MM-DD")
		return uuid.Nil, time.Time{}, false
	}
	return id, date, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorResponse{Kind: kind, Detail: detail})
}
