package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rewired-gh/linewatch/internal/dashboard"
	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/movement"
	"github.com/rewired-gh/linewatch/internal/stats"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	// maxBodyBytes bounds snapshot and analysis request bodies.
	maxBodyBytes = 8 << 20
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		respondError(w, r, fmt.Errorf("store unhealthy: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "linewatch",
	})
}

// getDashboard serves the dashboard for one scope.
// Query params: prop_type, hours_back
func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	scope := s.opts.Scope
	if raw := r.URL.Query().Get("prop_type"); raw != "" {
		p, err := models.ParsePropType(raw)
		if err != nil {
			respondError(w, r, fmt.Errorf("%w: %v", dashboard.ErrInvalidScope, err))
			return
		}
		scope.PropType = p
	}
	hoursBack, err := parseIntParam(r, "hours_back", scope.HoursBack)
	if err != nil {
		respondError(w, r, err)
		return
	}
	scope.HoursBack = hoursBack

	d, err := s.deps.Dashboards.Get(r.Context(), scope)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// postSnapshots ingests one snapshot object or an array of them. Snapshots are
// ingested in order; the first invalid one stops the batch.
func (s *Server) postSnapshots(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, r, badRequest("reading body: %v", err))
		return
	}

	var snaps []models.Snapshot
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &snaps)
	} else {
		var one models.Snapshot
		err = json.Unmarshal(trimmed, &one)
		snaps = []models.Snapshot{one}
	}
	if err != nil {
		respondError(w, r, badRequest("decoding snapshots: %v", err))
		return
	}
	if len(snaps) == 0 {
		respondError(w, r, badRequest("no snapshots in request"))
		return
	}

	ids := make([]string, 0, len(snaps))
	for i := range snaps {
		if err := s.deps.Ingester.Ingest(r.Context(), &snaps[i]); err != nil {
			respondError(w, r, fmt.Errorf("snapshot %d (%d ingested before it): %w", i, len(ids), err))
			return
		}
		ids = append(ids, snaps[i].ID)
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"ingested": len(ids),
		"ids":      ids,
	})
}

// getTimeline returns every snapshot of one series in time order.
// Query params: event_id, player, prop_type (all required)
func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := models.SeriesKey{EventID: q.Get("event_id"), Player: q.Get("player"), PropType: models.PropType(q.Get("prop_type"))}
	if key.EventID == "" || key.Player == "" {
		respondError(w, r, badRequest("event_id and player are required"))
		return
	}
	if !key.PropType.Valid() {
		respondError(w, r, badRequest("prop_type must be one of %v", models.PropTypes()))
		return
	}

	series, err := s.deps.Store.GetSeries(r.Context(), key)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"series":    key,
		"snapshots": series,
		"count":     len(series),
	})
}

// postOutcome records a realized statistic and settles the series' movements.
func (s *Server) postOutcome(w http.ResponseWriter, r *http.Request) {
	var o models.Outcome
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&o); err != nil {
		respondError(w, r, badRequest("decoding outcome: %v", err))
		return
	}
	if err := o.Validate(); err != nil {
		respondError(w, r, badRequest("%v", err))
		return
	}

	updated, err := s.deps.Movements.AttachOutcome(r.Context(), &o)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"outcome":           o,
		"movements_updated": updated,
	})
}

// movementFilter parses listing filters.
// Query params: player, prop_type, min_percent_move, max_hours_before,
// went_under, has_result, game_date_from, game_date_to, include_past_games,
// limit, offset
func movementFilter(r *http.Request) (models.MovementFilter, error) {
	q := r.URL.Query()
	f := models.MovementFilter{Player: q.Get("player")}

	p, err := models.ParsePropType(q.Get("prop_type"))
	if err != nil {
		return f, badRequest("%v", err)
	}
	f.PropType = p

	if f.MinPercentMove, err = parseFloatParam(r, "min_percent_move", 0); err != nil {
		return f, err
	}
	if f.MaxHoursBefore, err = parseFloatParam(r, "max_hours_before", 0); err != nil {
		return f, err
	}
	if f.MinPercentMove < 0 || f.MaxHoursBefore < 0 {
		return f, badRequest("min_percent_move and max_hours_before must not be negative")
	}
	if f.WentUnder, err = parseBoolParam(r, "went_under"); err != nil {
		return f, err
	}
	if f.HasOutcome, err = parseBoolParam(r, "has_result"); err != nil {
		return f, err
	}
	if f.GameStartFrom, err = parseTimeParam(r, "game_date_from", false); err != nil {
		return f, err
	}
	if f.GameStartTo, err = parseTimeParam(r, "game_date_to", true); err != nil {
		return f, err
	}
	past, err := parseBoolParam(r, "include_past_games")
	if err != nil {
		return f, err
	}
	f.IncludePastGames = past != nil && *past

	if f.Limit, err = parseIntParam(r, "limit", defaultLimit); err != nil {
		return f, err
	}
	if f.Offset, err = parseIntParam(r, "offset", 0); err != nil {
		return f, err
	}
	if f.Limit <= 0 || f.Offset < 0 {
		return f, badRequest("limit must be positive and offset must not be negative")
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	return f, nil
}

func (s *Server) listMovements(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	movements, total, err := s.deps.Movements.List(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if movements == nil {
		movements = []models.Movement{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"movements": movements,
		"count":     len(movements),
		"total":     total,
		"limit":     f.Limit,
		"offset":    f.Offset,
	})
}

func (s *Server) movementSummary(w http.ResponseWriter, r *http.Request) {
	f, err := movementFilter(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	sum, err := s.deps.Movements.Summarize(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) getMovement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, r, badRequest("id is required"))
		return
	}

	m, err := s.deps.Movements.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// runDetection sweeps recent series for late movements.
// Query params: threshold_pct, threshold_abs, hours_before
func (s *Server) runDetection(w http.ResponseWriter, r *http.Request) {
	th := s.opts.Thresholds
	var err error
	if th.Pct, err = parseFloatParam(r, "threshold_pct", th.Pct); err != nil {
		respondError(w, r, err)
		return
	}
	if th.Abs, err = parseFloatParam(r, "threshold_abs", th.Abs); err != nil {
		respondError(w, r, err)
		return
	}
	if th.HoursBefore, err = parseFloatParam(r, "hours_before", th.HoursBefore); err != nil {
		respondError(w, r, err)
		return
	}

	found, err := s.deps.Movements.RunDetection(r.Context(), th)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"movements_found": found,
		"thresholds": map[string]float64{
			"threshold_pct": th.Pct,
			"threshold_abs": th.Abs,
			"hours_before":  th.HoursBefore,
		},
	})
}

type analysisRequest struct {
	Configs []stats.Config `json:"configs"`
}

// runAnalysis runs the configurations in the body, or the default sweep when
// the body is empty.
func (s *Server) runAnalysis(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, r, badRequest("reading body: %v", err))
		return
	}

	var req analysisRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, r, badRequest("decoding analysis request: %v", err))
			return
		}
	}

	results, err := s.deps.Analysis.RunAnalysis(r.Context(), req.Configs)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// analysisResults lists stored results ordered by name.
// Query params: prop_type ("all" selects the unfiltered results)
func (s *Server) analysisResults(w http.ResponseWriter, r *http.Request) {
	label := ""
	if raw := r.URL.Query().Get("prop_type"); raw != "" {
		p, err := models.ParsePropType(raw)
		if err != nil {
			respondError(w, r, fmt.Errorf("%w: %v", stats.ErrInvalidConfig, err))
			return
		}
		label = p.Label()
	}

	results, err := s.deps.Analysis.Results(r.Context(), label)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if results == nil {
		results = []models.AnalysisResult{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) analysisReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Analysis.Report(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, report)
}

var _ Movements = (*movement.Service)(nil)
var _ Analysis = (*stats.Service)(nil)
var _ Dashboards = (*dashboard.Service)(nil)
