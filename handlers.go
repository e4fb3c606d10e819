package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Phichayapa48/banana-ai-farm/detections"
	"github.com/Phichayapa48/banana-ai-farm/models"
	"github.com/Phichayapa48/banana-ai-farm/normalize"
	"github.com/Phichayapa48/banana-ai-farm/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// multipartSlack covers boundaries and part headers on top of the file itself.
const multipartSlack = 1 << 20

type AppState struct {
	Pipeline *pipeline.Pipeline
	Runner   *detections.Runner
	Labels   []string
	MaxBytes int64
	Logger   *zap.Logger
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device,omitempty"`
	Loads       int64  `json:"loads"`
}

// responseFormat shapes detections for one endpoint.
type responseFormat func(dets []models.Detection, labels []string) any

func detectFormat(dets []models.Detection, _ []string) any {
	return models.NewDetectResponse(dets)
}

func predictFormat(dets []models.Detection, labels []string) any {
	return models.NewPredictResponse(dets, labels)
}

func (s *AppState) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": MsgRunning})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		ModelLoaded: s.Runner.Loaded(),
		Device:      s.Runner.Device(),
		Loads:       s.Runner.Loads(),
	}
	if !resp.ModelLoaded {
		resp.Status = "loading"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]any{
		"model_loaded": s.Runner.Loaded(),
		"model_loads":  s.Runner.Loads(),
	}
	if b, ok := s.Runner.Backend().(interface{ Metrics() detections.PoolMetrics }); ok {
		response["pool"] = b.Metrics()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *AppState) handleDetect(format responseFormat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r.Context())

		upload, err := readUpload(w, r, s.MaxBytes)
		if err != nil {
			s.sendError(w, requestID, err)
			return
		}

		result, err := s.Pipeline.Run(r.Context(), requestID, upload)
		if err != nil {
			s.sendError(w, requestID, err)
			return
		}

		writeJSON(w, http.StatusOK, format(result.Detections, s.Labels))
	}
}

// readUpload accepts multipart (field "file"), JSON {"image": base64} or a raw
// image body. At most maxBytes+1 bytes of the image are read so the size
// check sees the real byte count.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (normalize.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes*2+multipartSlack)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		up  normalize.Upload
		err error
	)
	switch mediaType {
	case "application/json":
		up, err = handleJSONRequest(r, maxBytes)
	case "multipart/form-data":
		up, err = handleMultipartRequest(r, maxBytes)
	default:
		up, err = handleRawRequest(r, maxBytes)
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return up, models.NewError(models.ErrPayloadTooLarge,
			fmt.Sprintf("File exceeds the %d byte limit", maxBytes), nil)
	}
	return up, err
}

func handleJSONRequest(r *http.Request, maxBytes int64) (normalize.Upload, error) {
	var req struct {
		Image       string `json:"image"`
		ContentType string `json:"content_type"`
		Filename    string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return normalize.Upload{}, err
		}
		return normalize.Upload{}, models.NewError(models.ErrInvalidImage, "Invalid JSON body", err)
	}

	data, err := io.ReadAll(io.LimitReader(base64.NewDecoder(base64.StdEncoding, strings.NewReader(req.Image)), maxBytes+1))
	if err != nil {
		return normalize.Upload{}, models.NewError(models.ErrInvalidImage, "Image is not valid base64", err)
	}
	return normalize.Upload{Data: data, ContentType: req.ContentType, Filename: req.Filename}, nil
}

func handleMultipartRequest(r *http.Request, maxBytes int64) (normalize.Upload, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return normalize.Upload{}, err
		}
		return normalize.Upload{}, models.NewError(models.ErrInvalidImage, "Malformed multipart body", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return normalize.Upload{}, models.NewError(models.ErrInvalidImage, MsgNoFile, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return normalize.Upload{}, err
	}
	return normalize.Upload{
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		Filename:    header.Filename,
	}, nil
}

func handleRawRequest(r *http.Request, maxBytes int64) (normalize.Upload, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return normalize.Upload{}, err
	}
	return normalize.Upload{Data: data, ContentType: r.Header.Get("Content-Type")}, nil
}

// errorStatus maps the error taxonomy onto HTTP.
func errorStatus(err error) (int, string, string) {
	var perr *models.ProcessingError
	userMessage := ""
	if errors.As(err, &perr) {
		userMessage = perr.Message
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request_cancelled", MsgModelUnavailable
	case errors.Is(err, models.ErrInvalidImage):
		return http.StatusBadRequest, "invalid_image", userMessage
	case errors.Is(err, models.ErrPayloadTooLarge):
		return http.StatusBadRequest, "payload_too_large", userMessage
	case errors.Is(err, models.ErrConfiguration), errors.Is(err, models.ErrModelDownload):
		return http.StatusServiceUnavailable, "model_unavailable", MsgModelUnavailable
	case errors.Is(err, models.ErrInference):
		return http.StatusInternalServerError, "inference_error", MsgInferenceFailed
	}
	return http.StatusInternalServerError, "internal_error", MsgInternal
}

func (s *AppState) sendError(w http.ResponseWriter, requestID string, err error) {
	status, code, message := errorStatus(err)
	if status >= 500 {
		s.Logger.Error("request failed", zap.String("request_id", requestID), zap.String("code", code), zap.Error(err))
	} else {
		s.Logger.Info("request rejected", zap.String("request_id", requestID), zap.String("code", code), zap.Error(err))
	}
	sendErrorResponse(w, code, message, status)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
