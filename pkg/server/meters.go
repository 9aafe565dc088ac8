package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/energycost/pkg/log"
	"github.com/raterudder/energycost/pkg/meter"
	"github.com/raterudder/energycost/pkg/types"
)

// resetRequest is the body of POST /api/reset. An empty interval resets every
// total of the meter.
type resetRequest struct {
	Meter    string `json:"meter"`
	Interval string `json:"interval"`
}

type meterResponse struct {
	Config   types.MeterConfig `json:"config"`
	Readings []meter.Reading   `json:"readings"`
}

func (s *Server) handleListMeters(w http.ResponseWriter, r *http.Request) {
	s.writeMeters(w, r, "")
}

func (s *Server) handleGetMeter(w http.ResponseWriter, r *http.Request) {
	s.writeMeters(w, r, r.PathValue("name"))
}

func (s *Server) writeMeters(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()

	var resp []meterResponse
	err := s.runtime.Do(ctx, func(ctx context.Context) error {
		readings, err := s.meters.Readings(name)
		if err != nil {
			return err
		}
		byMeter := make(map[string][]meter.Reading)
		for _, reading := range readings {
			byMeter[reading.Meter] = append(byMeter[reading.Meter], reading)
		}
		for _, cfg := range s.meters.Meters() {
			if name != "" && cfg.Name != name {
				continue
			}
			resp = append(resp, meterResponse{Config: cfg, Readings: byMeter[cfg.Name]})
		}
		return nil
	})
	if errors.Is(err, meter.ErrMeterNotFound) {
		writeJSONError(w, "meter not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to read meters", slog.Any("error", err))
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if name != "" {
		writeJSON(w, resp[0])
		return
	}
	if resp == nil {
		resp = []meterResponse{}
	}
	writeJSON(w, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode reset request", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Meter == "" {
		writeJSONError(w, "meter is required", http.StatusBadRequest)
		return
	}
	var interval types.Interval
	if req.Interval != "" {
		var err error
		interval, err = types.ParseInterval(req.Interval)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	err := s.runtime.Do(ctx, func(ctx context.Context) error {
		return s.meters.Reset(ctx, req.Meter, interval)
	})
	if errors.Is(err, meter.ErrMeterNotFound) {
		writeJSONError(w, "meter not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to reset meter", slog.Any("error", err))
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "meter reset requested", slog.String("meter", req.Meter), slog.String("interval", string(interval)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := s.runtime.Do(ctx, s.meters.Flush)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to flush meters", slog.Any("error", err))
		writeJSONError(w, "failed to persist totals", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
