package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
)

// maxBodyBytes caps request bodies decoded by decodeJSON.
const maxBodyBytes = 1 << 20

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, log logrus.FieldLogger, data interface{}) {
	JSONStatus(w, log, http.StatusOK, data)
}

// JSONStatus sends a JSON response with an explicit status code.
func JSONStatus(w http.ResponseWriter, log logrus.FieldLogger, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnf("failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func parseID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err == nil && id <= 0 {
		err = errors.New("id must be positive")
	}
	return id, err
}

// queryInt64 reads an optional integer query parameter, returning def when absent.
func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
