package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pairchat/internal/protoerr"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondProtoError 按错误类型映射状态码并发送错误响应
func RespondProtoError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := map[string]string{"error": err.Error()}
	if kind := protoerr.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	RespondJSON(w, status, body)
}

// StatusFor 返回错误对应的HTTP状态码
func StatusFor(err error) int {
	var pe *protoerr.Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Kind {
	case protoerr.KindMalformedToken, protoerr.KindPayloadTooLarge, protoerr.KindProtocol:
		return http.StatusBadRequest
	case protoerr.KindUnknownToken:
		return http.StatusNotFound
	case protoerr.KindAlreadyClaimed:
		return http.StatusConflict
	case protoerr.KindExpiredToken, protoerr.KindRevoked:
		return http.StatusGone
	case protoerr.KindNotIssuer:
		return http.StatusForbidden
	case protoerr.KindTooManyPending:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
