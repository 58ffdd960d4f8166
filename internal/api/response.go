package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "ContractRelay/internal/errors"
)

// CodeRateLimited 表示账户的提交速率超出限制。
const CodeRateLimited xerrors.Code = "RATE_LIMITED"

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "too many requests",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Status:    http.StatusTooManyRequests,
	})
}

const maxBodyBytes = 4 << 20

// ErrorResponse 是所有失败请求的响应体。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误类别映射状态码，响应中只包含错误码和描述。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}
	writeJSON(w, status, ErrorResponse{
		Code:    string(xerrors.CodeOf(err)),
		Message: xerrors.MessageOf(err),
	})
}

// decodeBody 解析 JSON 请求体，数字保留为 json.Number 以免丢失精度。
func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
		}
		return xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败")
	}
	return nil
}
