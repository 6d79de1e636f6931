package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type Path string

func CreateApiV1Path(path string) Path {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return Path("/api/v1/" + path)
}

// GetHandlers maps paths to their handlers. The pipeline's API is strictly
// read-only, so the mux dispatches GET and rejects every other verb.
type GetHandlers map[Path]func(r *http.Request) (any, error)

func SetupHandlers(mux *http.ServeMux, handlers GetHandlers) {
	for path, handler := range handlers {
		mux.HandleFunc(string(path), func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
				return
			}
			resp, err := handler(r)
			if err != nil {
				zap.L().Error("failed to handle request", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if resp != nil {
				err := json.NewEncoder(w).Encode(resp)
				if err != nil {
					zap.L().Error("failed to encode response", zap.Error(err))
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
			}
		})
	}
}
