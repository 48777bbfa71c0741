package canvassd

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"canvassing/ledger/recon"
)

type reconSummary struct {
	StartedAt time.Time      `json:"startedAt"`
	DryRun    bool           `json:"dryRun"`
	Rewards   int            `json:"rewards"`
	Counts    map[string]int `json:"counts"`
	Repaired  int            `json:"repaired"`
	Reports   []string       `json:"reports,omitempty"`
}

func summarise(result *recon.Result) *reconSummary {
	if result == nil {
		return nil
	}
	out := &reconSummary{
		StartedAt: result.StartedAt,
		DryRun:    result.DryRun,
		Rewards:   len(result.Rows),
		Counts:    result.Counts(),
		Repaired:  result.Repaired,
	}
	for _, file := range result.Files {
		out.Reports = append(out.Reports, file.CSVPath, file.ParquetPath)
	}
	return out
}

type statusResponse struct {
	Signer        string        `json:"signer"`
	Networks      []string      `json:"networks"`
	Default       string        `json:"defaultNetwork"`
	Uptime        string        `json:"uptime"`
	Reconcile     bool          `json:"reconcileEnabled"`
	LastReconcile *reconSummary `json:"lastReconcile,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	last := s.lastRecon
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, statusResponse{
		Signer:        s.authority.Address().Hex(),
		Networks:      s.networks.Names(),
		Default:       s.networks.Default,
		Uptime:        s.now().Sub(s.started).Truncate(time.Second).String(),
		Reconcile:     s.reconciler != nil,
		LastReconcile: summarise(last),
	})
}

// handleReconcile runs one reconciliation. dry_run=true reports anomalies
// without repairing; survey_id limits the run to one survey.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation not configured")
		return
	}
	var opts recon.RunOptions
	if raw := strings.TrimSpace(r.URL.Query().Get("dry_run")); raw != "" {
		dry, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid dry_run")
			return
		}
		opts.DryRun = dry
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("survey_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid survey_id")
			return
		}
		opts.SurveyID = id
	}
	result, err := s.reconciler.Run(r.Context(), opts)
	if err != nil {
		s.internalError(w, "reconcile", err)
		return
	}
	s.SetLastReconcile(result)
	writeJSON(w, http.StatusOK, summarise(result))
}
