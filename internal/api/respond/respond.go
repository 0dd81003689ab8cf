// Package respond writes the JSON response envelope shared by all
// handlers.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/wb-go/wbf/zlog"
)

type successResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// OK writes a 200 response with the given payload.
func OK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, successResponse{Success: true, Data: data})
}

// Created writes a 201 response with the given payload.
func Created(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, successResponse{Success: true, Data: data})
}

// Fail writes an error response with the given status code.
func Fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Success: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to encode response")
	}
}
