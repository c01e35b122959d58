// Package handler adapts the webhook intake and the deferred drain to Lambda
// events and plain net/http.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"linebot/internal/integrations/line"
	"linebot/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

type Intake interface {
	Accept(ctx context.Context, body []byte, signature string) (usecase.IntakeResult, error)
}

type Handler struct {
	intake Intake
	log    *slog.Logger
}

type okResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(intake Intake, log *slog.Logger) (*Handler, error) {
	if intake == nil {
		return nil, errors.New("handler: intake must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{intake: intake, log: log}, nil
}

// Handle serves an API Gateway proxy request carrying a LINE webhook. Once the
// request is verified and decoded the answer is 200, whatever happened to the
// individual events, so LINE does not redeliver them.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := header(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.log.With("correlation_id", corrID)

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			log.Warn("webhook body is not valid base64", "err", err)
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body_encoding"}, corrID), nil
		}
		body = decoded
	}

	res, err := h.intake.Accept(ctx, body, header(req.Headers, line.SignatureHeader))
	if err != nil {
		status, out := errorStatus(err)
		log.Warn("webhook rejected", "status", status, "err", err)
		return jsonResponse(status, out, corrID), nil
	}
	log.Info("webhook accepted", "events", res.Events, "replied", res.Replied, "enqueued", res.Enqueued, "failed", res.Failed, "armed", res.Armed)
	return jsonResponse(http.StatusOK, okResponse{Status: "ok"}, corrID), nil
}

// ServeHTTP runs Handle for a plain HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	resp, err := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(body),
	})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func errorStatus(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	out := errorResponse{Error: string(ue.Code), Reason: ue.Reason}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, out
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized, out
	case usecase.ErrorConflict:
		return http.StatusConflict, out
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, out
	default:
		return http.StatusInternalServerError, out
	}
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, body any, corrID string) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(b),
	}
}
