package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/safety"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    safety.Kind `json:"code"`
	Message string      `json:"message"`
}

// kindStatus maps boundary error kinds to HTTP status codes. Gateway kinds
// are listed defensively: the orchestrator degrades instead of surfacing
// them, so a gateway status here means a bug upstream.
var kindStatus = map[safety.Kind]int{
	safety.KindInvalidInput:       http.StatusUnprocessableEntity,
	safety.KindPermissionDenied:   http.StatusForbidden,
	safety.KindGatewayTimeout:     http.StatusGatewayTimeout,
	safety.KindGatewayUnavailable: http.StatusBadGateway,
	safety.KindAuditWriteFailure:  http.StatusInternalServerError,
	safety.KindProcessing:         http.StatusInternalServerError,
}

// writeError maps a boundary error to its status code. Only the boundary
// message crosses the wire; wrapped causes stay in the logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := safety.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := "内部エラーが発生しました"
	var se *safety.Error
	if errors.As(err, &se) && se.Message != "" {
		message = se.Message
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err))
		message = "内部エラーが発生しました"
	}

	writeJSON(w, status, errorBody{Error: errorDetail{Code: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeAndValidate reads the JSON body into dst and applies its validation
// tags. Malformed bodies and missing required fields both come back as
// InvalidInput so the front end sees one failure shape.
func (s *Server) decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return safety.InvalidInput("リクエストボディを解釈できません")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return safety.InvalidInput("必須フィールドが不正です: " + verrs[0].Field())
		}
		return safety.InvalidInput("リクエストの検証に失敗しました")
	}
	return nil
}
