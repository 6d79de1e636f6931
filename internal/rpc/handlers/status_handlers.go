package handlers

import (
	"database/sql"
	"net/http"

	"github.com/lrendina/blockchain-intel/internal/store"
)

type StatusResponse struct {
	Status           string           `json:"status"`
	Stream           string           `json:"stream"`
	CheckpointHeight uint64           `json:"checkpointHeight"`
	PriceCounts      map[string]int64 `json:"priceCounts"`
	LastError        string           `json:"lastError,omitempty"`
}

// StatusGetHandler builds the status endpoint for one daemon. lastError
// reports the daemon's most recent loop failure, empty when healthy.
func StatusGetHandler(sqlite *sql.DB, streamID string, lastError func() string) func(r *http.Request) (StatusResponse, error) {
	transferStore := store.NewTransferStore()
	return func(r *http.Request) (StatusResponse, error) {
		height, _, err := transferStore.GetCheckpoint(sqlite, streamID)
		if err != nil {
			return StatusResponse{}, err
		}
		counts, err := transferStore.CountByPriceStatus(sqlite)
		if err != nil {
			return StatusResponse{}, err
		}
		priceCounts := make(map[string]int64, len(counts))
		for status, count := range counts {
			priceCounts[string(status)] = count
		}

		resp := StatusResponse{
			Status:           "OK",
			Stream:           streamID,
			CheckpointHeight: height,
			PriceCounts:      priceCounts,
			LastError:        lastError(),
		}
		if resp.LastError != "" {
			resp.Status = "DEGRADED"
		}
		return resp, nil
	}
}
