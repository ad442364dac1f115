package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/lock"
)

var (
	errBadRequestBody    = errors.New("無効なリクエスト形式です。")
	errInvalidResourceID = errors.New("無効なリソース ID です。")
	errInvalidBookingID  = errors.New("無効な予約 ID です。")
	errInvalidEntryID    = errors.New("無効なキャンセル待ち ID です。")
	errInvalidRequestID  = errors.New("無効な割り当て要求 ID です。")
	errInvalidRange      = errors.New("期間の指定が正しくありません。from と to を RFC3339 形式で指定してください。")
	errMissingToken      = errors.New("認証トークンを指定してください")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := localizedStatusMessage(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	var (
		rErr *application.RecurrenceExpansionError
		cErr *application.ConflictError
		vErr *application.ValidationError
	)
	switch {
	case errors.Is(err, application.ErrInvalidToken):
		r.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{
			ErrorCode: "AUTH_INVALID_TOKEN",
			Message:   "認証トークンが無効です。",
		})
	case errors.Is(err, application.ErrUnauthorized):
		r.writeJSON(ctx, w, http.StatusForbidden, errorResponse{
			ErrorCode: "AUTH_FORBIDDEN",
			Message:   "この操作を実行する権限がありません。",
		})
	case errors.Is(err, application.ErrNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Message: "指定されたリソースが見つかりません。"})
	case errors.Is(err, application.ErrAlreadyExists):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: "ALREADY_EXISTS",
			Message:   "同じ ID のデータが既に存在します。",
		})
	case errors.Is(err, application.ErrInvalidTransition):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: "INVALID_TRANSITION",
			Message:   "現在の状態ではこの操作を実行できません。",
		})
	case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, context.DeadlineExceeded):
		r.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{
			ErrorCode: "BUSY",
			Message:   "処理が混み合っています。しばらくしてから再度お試しください。",
		})
	case errors.As(err, &rErr):
		conflicts := make([]conflictDTO, 0, len(rErr.Conflicts))
		for _, c := range rErr.Conflicts {
			conflicts = append(conflicts, conflictDTO{
				Index:  c.Index,
				Start:  formatTime(c.Window.Start),
				End:    formatTime(c.Window.End),
				Reason: string(c.Err.Reason),
			})
		}
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: "RECURRENCE_CONFLICT",
			Message:   "繰り返し予約の一部が確保できないため、予約は作成されませんでした。",
			Conflicts: conflicts,
		})
	case errors.As(err, &cErr) && cErr.Reason == application.ConflictUnavailable:
		resp := errorResponse{
			ErrorCode: "RESOURCE_UNAVAILABLE",
			Message:   "指定された時間帯は既に予約されています。",
		}
		var capErr *application.CapacityExceededError
		if errors.As(err, &capErr) {
			resp.Conflicts = []conflictDTO{{
				Index:  0,
				Start:  formatTime(capErr.Window.Start),
				End:    formatTime(capErr.Window.End),
				Reason: string(cErr.Reason),
				With:   capErr.With,
			}}
		}
		r.writeJSON(ctx, w, http.StatusConflict, resp)
	case errors.As(err, &cErr):
		resp := errorResponse{
			ErrorCode: "BOOKING_CONSTRAINT",
			Message:   "リソースの予約条件を満たしていません。",
		}
		if errors.As(err, &vErr) {
			resp.Errors = localizeValidationErrors(vErr)
		}
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, resp)
	case errors.As(err, &vErr):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			Message: "入力内容に誤りがあります。",
			Errors:  localizeValidationErrors(vErr),
		})
	default:
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Message: "サーバー内部でエラーが発生しました。"})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

func localizedStatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "リクエスト内容が正しくありません。"
	case http.StatusUnauthorized:
		return "認証が必要です。"
	case http.StatusForbidden:
		return "この操作を実行する権限がありません。"
	case http.StatusNotFound:
		return "指定されたリソースが見つかりません。"
	case http.StatusConflict:
		return "要求はリソースの現在の状態と競合しています。"
	case http.StatusUnprocessableEntity:
		return "入力内容に誤りがあります。"
	default:
		return "サーバー内部でエラーが発生しました。"
	}
}

func localizeValidationErrors(vErr *application.ValidationError) map[string]string {
	if vErr == nil || len(vErr.FieldErrors) == 0 {
		return nil
	}

	translated := make(map[string]string, len(vErr.FieldErrors))
	for field, msg := range vErr.FieldErrors {
		translated[field] = translateValidationMessage(msg)
	}
	return translated
}

func translateValidationMessage(message string) string {
	switch message {
	case "name is required":
		return "名前は必須です。"
	case "id is required":
		return "ID は必須です。"
	case "capacity must be positive":
		return "収容数は正の整数で指定してください。"
	case "kind must be person or asset":
		return "種別は person または asset を指定してください。"
	case "time zone is unknown":
		return "タイムゾーンが不正です。"
	case "capability tag must not be empty":
		return "能力タグは空にできません。"
	case "start must be before end":
		return "終了日時は開始日時より後である必要があります。"
	case "start must not be in the past":
		return "開始日時に過去の日時は指定できません。"
	case "window must end in the future":
		return "終了日時は未来の日時を指定してください。"
	case "window is outside the resource's available hours":
		return "指定された時間帯はリソースの利用可能時間外です。"
	case "window overlaps a blackout period":
		return "指定された時間帯は利用停止期間と重なっています。"
	case "window must lie inside the requested window":
		return "時間帯は要求された期間内で指定してください。"
	case "duration must be positive", "duration must not be negative":
		return "所要時間は正の値で指定してください。"
	case "duration must fit inside the window", "duration must fit inside the desired window":
		return "所要時間が指定期間を超えています。"
	case "flexibility must not be negative":
		return "許容幅に負の値は指定できません。"
	case "deadline must be in the future":
		return "期限は未来の日時を指定してください。"
	case "urgency must be low, normal, high or critical":
		return "緊急度は low, normal, high, critical のいずれかを指定してください。"
	case "resource_id is required":
		return "リソース ID は必須です。"
	case "resource is inactive":
		return "指定されたリソースは無効化されています。"
	case "resource does not satisfy the required capabilities":
		return "指定されたリソースは必要な能力を満たしていません。"
	case "resource_id or query is required":
		return "リソース ID または検索条件を指定してください。"
	case "specify either resource_id or query, not both":
		return "リソース ID と検索条件は同時に指定できません。"
	case "at least one required capability or a preferred resource is needed":
		return "必要な能力または希望リソースを少なくとも 1 つ指定してください。"
	case "recurrence produces no occurrences":
		return "繰り返し設定から予約日時が生成されません。"
	default:
		if strings.HasPrefix(message, "level must be between") {
			return "能力レベルの範囲が不正です: " + strings.TrimPrefix(message, "level must be ")
		}
		return message
	}
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
	Conflicts []conflictDTO     `json:"conflicts,omitempty"`
}

type conflictDTO struct {
	Index  int      `json:"index"`
	Start  string   `json:"start"`
	End    string   `json:"end"`
	Reason string   `json:"reason"`
	With   []string `json:"with,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(value))
}
