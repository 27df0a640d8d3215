package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/studyblocks/internal/block"
	"github.com/hitoshi/studyblocks/internal/middleware"
	"github.com/hitoshi/studyblocks/internal/model"
)

// BlockServiceInterface は学習ブロックハンドラーが必要とするサービスインターフェース。
type BlockServiceInterface interface {
	// Create は学習ブロックを作成する。時間帯が既存ブロックと重なる場合は失敗する。
	Create(ctx context.Context, userID string, draft model.BlockDraft) (*model.StudyBlock, error)
	// Update はブロックを部分更新する。nilのフィールドは変更しない。
	Update(ctx context.Context, blockID, userID string, patch block.BlockPatch) (*model.StudyBlock, error)
	// Delete はブロックを削除する。
	Delete(ctx context.Context, blockID, userID string) error
	// ListForUser はユーザーの全ブロックを開始時刻昇順で返す。
	ListForUser(ctx context.Context, userID string) ([]*model.StudyBlock, error)
	// GetByID はブロックを1件取得する。
	GetByID(ctx context.Context, blockID, userID string) (*model.StudyBlock, error)
}

// BlockHandler は学習ブロック管理のHTTPハンドラー。
type BlockHandler struct {
	service BlockServiceInterface
}

// NewBlockHandler はBlockHandlerを生成する。
func NewBlockHandler(service BlockServiceInterface) *BlockHandler {
	return &BlockHandler{
		service: service,
	}
}

// createBlockRequest はブロック作成リクエストのボディ。
type createBlockRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Subject     string    `json:"subject"`
	Color       string    `json:"color"`
	NotifyEmail bool      `json:"notify_email"`
}

// updateBlockRequest はブロック更新リクエストのボディ。
// 省略されたフィールドは変更されない。
type updateBlockRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Subject     *string    `json:"subject"`
	Color       *string    `json:"color"`
	NotifyEmail *bool      `json:"notify_email"`
}

// blockResponse は学習ブロックのAPIレスポンス。
type blockResponse struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Subject       string    `json:"subject,omitempty"`
	Color         string    `json:"color"`
	NotifyEmail   bool      `json:"notify_email"`
	ReminderState string    `json:"reminder_state"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// CreateBlock は学習ブロックを作成する。
// POST /api/blocks
func (h *BlockHandler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	var req createBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	created, err := h.service.Create(r.Context(), userID, model.BlockDraft{
		Title:       req.Title,
		Description: req.Description,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Subject:     req.Subject,
		Color:       req.Color,
		NotifyEmail: req.NotifyEmail,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toBlockResponse(created))
}

// ListBlocks はユーザーの学習ブロック一覧を開始時刻昇順で返す。
// GET /api/blocks
func (h *BlockHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	blocks, err := h.service.ListForUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]blockResponse, len(blocks))
	for i, b := range blocks {
		results[i] = toBlockResponse(b)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// GetBlock はブロック詳細を取得する。
// GET /api/blocks/:id
func (h *BlockHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	blockID := chi.URLParam(r, "id")

	found, err := h.service.GetByID(r.Context(), blockID, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toBlockResponse(found))
}

// UpdateBlock はブロックを部分更新する。
// PUT /api/blocks/:id
func (h *BlockHandler) UpdateBlock(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	blockID := chi.URLParam(r, "id")

	var req updateBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	updated, err := h.service.Update(r.Context(), blockID, userID, block.BlockPatch{
		Title:       req.Title,
		Description: req.Description,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Subject:     req.Subject,
		Color:       req.Color,
		NotifyEmail: req.NotifyEmail,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toBlockResponse(updated))
}

// DeleteBlock はブロックを削除する。
// DELETE /api/blocks/:id
func (h *BlockHandler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	blockID := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), blockID, userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetupBlockRoutes は学習ブロック管理関連のルーティングを設定したchi.Routerを返す。
// blockCreateMiddleware が nil でない場合、POST /api/blocks に作成専用レート制限を適用する。
func SetupBlockRoutes(service BlockServiceInterface, blockCreateMiddleware func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	h := NewBlockHandler(service)

	r.Route("/api/blocks", func(r chi.Router) {
		// POST /api/blocks - ブロック作成（作成専用レート制限を適用）
		if blockCreateMiddleware != nil {
			r.With(blockCreateMiddleware).Post("/", h.CreateBlock)
		} else {
			r.Post("/", h.CreateBlock)
		}
		r.Get("/", h.ListBlocks)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetBlock)
			r.Put("/", h.UpdateBlock)
			r.Delete("/", h.DeleteBlock)
		})
	})

	return r
}

// --- ヘルパー関数 ---

// toBlockResponse はmodel.StudyBlockからAPIレスポンスに変換する。
func toBlockResponse(b *model.StudyBlock) blockResponse {
	return blockResponse{
		ID:            b.ID,
		UserID:        b.UserID,
		Title:         b.Title,
		Description:   b.Description,
		StartTime:     b.StartTime,
		EndTime:       b.EndTime,
		Subject:       b.Subject,
		Color:         b.Color,
		NotifyEmail:   b.NotifyEmail,
		ReminderState: string(b.ReminderState),
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

// writeUnauthorizedResponse は401レスポンスを統一フォーマットで書き込む。
func writeUnauthorizedResponse(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	})
}

// writeInvalidRequestResponse はボディ解析失敗時の400レスポンスを書き込む。
func writeInvalidRequestResponse(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeBlockOverlap:
		return http.StatusConflict
	case model.ErrCodeBlockNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeBlockForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
