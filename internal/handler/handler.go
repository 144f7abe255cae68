// Package handler содержит HTTP-обработчики API маркетплейса скинов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/skinmarket-system/internal/middleware"
	"github.com/mmeshcher/skinmarket-system/internal/model"
	"github.com/mmeshcher/skinmarket-system/internal/repository"
	"github.com/mmeshcher/skinmarket-system/internal/service"
	"github.com/mmeshcher/skinmarket-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, username, email, password, name, avatar string) (*model.User, error)
	AuthenticateUser(ctx context.Context, identifier, password string) (*model.User, error)
	GetProfile(ctx context.Context, userID int64) (*model.User, error)
	UpdateProfile(ctx context.Context, userID int64, upd service.ProfileUpdate) (*model.User, error)
	DeleteProfile(ctx context.Context, userID int64, password string) error
	ListSkins(ctx context.Context, filter model.ListFilter) ([]model.Skin, error)
	GetSkin(ctx context.Context, id int64) (*model.Skin, error)
	UploadSkin(ctx context.Context, creatorID int64, upload service.SkinUpload) (*model.Skin, error)
	UpdateSkin(ctx context.Context, userID, skinID int64, upd service.SkinUpdate) (*model.Skin, error)
	DeleteSkin(ctx context.Context, userID, skinID int64) error
	PurchaseSkin(ctx context.Context, buyerID, skinID int64) (*model.PurchaseResult, error)
	DownloadSkin(ctx context.Context, userID, skinID int64) (*model.DownloadResult, error)
	GetLibrary(ctx context.Context, userID int64) (*model.Library, error)
}

// Handler реализует HTTP-обработчики API маркетплейса скинов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Token   string `json:"token,omitempty"`
	Total   *int   `json:"total,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("write response error", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, response{Success: false, Error: message})
}

type userResponse struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	Name      string  `json:"name"`
	Avatar    string  `json:"avatar"`
	Wallet    float64 `json:"wallet"`
	CreatedAt string  `json:"createdAt"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Name:      u.Name,
		Avatar:    u.Avatar,
		Wallet:    float64(u.WalletCents) / 100,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type skinResponse struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Price       float64        `json:"price"`
	Image       string         `json:"image"`
	Category    string         `json:"category"`
	Creator     *model.Creator `json:"creator,omitempty"`
	FileURL     string         `json:"fileUrl"`
	Tags        []string       `json:"tags"`
	Downloads   int64          `json:"downloads"`
	Purchases   int64          `json:"purchases"`
	Active      bool           `json:"active"`
	CreatedAt   string         `json:"createdAt"`
}

func toSkinResponse(s *model.Skin) skinResponse {
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	return skinResponse{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Price:       float64(s.PriceCents) / 100,
		Image:       s.Image,
		Category:    string(s.Category),
		Creator:     s.Creator,
		FileURL:     s.FileURL,
		Tags:        tags,
		Downloads:   s.Downloads,
		Purchases:   s.Purchases,
		Active:      s.Active,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
	}
}

func toSkinResponses(skins []model.Skin) []skinResponse {
	res := make([]skinResponse, 0, len(skins))
	for i := range skins {
		res = append(res, toSkinResponse(&skins[i]))
	}
	return res
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "username, email and password are required")
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req.Username, req.Email, req.Password, req.Name, req.Avatar)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			h.writeError(w, http.StatusConflict, "username or email already registered")
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusCreated, response{
		Success: true,
		Data:    toUserResponse(user),
		Message: "user registered",
	})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Login выполняет аутентификацию пользователя и выпуск токена.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Identifier == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "identifier and password are required")
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	token, err := h.authMiddleware.IssueToken(user.ID, user.Username)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, response{
		Success: true,
		Token:   token,
		Data:    toUserResponse(user),
		Message: "logged in",
	})
}

// GetProfile возвращает профиль текущего пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.service.GetProfile(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("get profile error", zap.Error(err), zap.Int64("userID", identity.UserID))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, response{Success: true, Data: toUserResponse(user)})
}

type updateProfileRequest struct {
	Username        *string `json:"username"`
	Email           *string `json:"email"`
	Name            *string `json:"name"`
	Avatar          *string `json:"avatar"`
	CurrentPassword string  `json:"currentPassword"`
	NewPassword     string  `json:"newPassword"`
}

// UpdateProfile применяет частичное обновление профиля текущего пользователя.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), identity.UserID, service.ProfileUpdate{
		Username:        req.Username,
		Email:           req.Email,
		Name:            req.Name,
		Avatar:          req.Avatar,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, service.ErrInvalidCredentials):
			h.writeError(w, http.StatusBadRequest, "current password is incorrect")
		case errors.Is(err, repository.ErrUserExists):
			h.writeError(w, http.StatusConflict, "username or email already registered")
		default:
			h.logger.Error("update profile error", zap.Error(err), zap.Int64("userID", identity.UserID))
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, response{
		Success: true,
		Data:    toUserResponse(user),
		Message: "profile updated",
	})
}

type deleteProfileRequest struct {
	Password string `json:"password"`
}

// DeleteProfile удаляет аккаунт текущего пользователя после подтверждения паролем.
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req deleteProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.DeleteProfile(r.Context(), identity.UserID, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, service.ErrInvalidCredentials):
			h.writeError(w, http.StatusBadRequest, "password is incorrect")
		default:
			h.logger.Error("delete profile error", zap.Error(err), zap.Int64("userID", identity.UserID))
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, response{Success: true, Message: "profile deleted"})
}

// ListSkins возвращает активные скины каталога по параметрам фильтрации.
// Некорректные числовые границы цены игнорируются.
func (h *Handler) ListSkins(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := model.ListFilter{
		Category:      q.Get("category"),
		PriceMinCents: validation.PriceBoundCents(q.Get("priceMin")),
		PriceMaxCents: validation.PriceBoundCents(q.Get("priceMax")),
		Search:        q.Get("search"),
		Sort:          validation.ParseSortKey(q.Get("sort")),
	}

	skins, err := h.service.ListSkins(r.Context(), filter)
	if err != nil {
		h.logger.Error("list skins error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	total := len(skins)
	h.writeJSON(w, http.StatusOK, response{
		Success: true,
		Data:    toSkinResponses(skins),
		Total:   &total,
	})
}

// GetSkin возвращает скин по идентификатору.
func (h *Handler) GetSkin(w http.ResponseWriter, r *http.Request) {
	skinID, ok := h.skinIDFromRequest(w, r)
	if !ok {
		return
	}

	skin, err := h.service.GetSkin(r.Context(), skinID)
	if err != nil {
		if errors.Is(err, repository.ErrSkinNotFound) {
			h.writeError(w, http.StatusNotFound, "skin not found")
			return
		}
		h.logger.Error("get skin error", zap.Error(err), zap.Int64("skinID", skinID))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, response{Success: true, Data: toSkinResponse(skin)})
}

type uploadSkinRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       *float64 `json:"price"`
	Image       string   `json:"image"`
	Category    string   `json:"category"`
	FileURL     string   `json:"fileUrl"`
	Tags        []string `json:"tags"`
}

// UploadSkin публикует новый скин от имени текущего пользователя.
func (h *Handler) UploadSkin(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req uploadSkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Price == nil {
		h.writeError(w, http.StatusBadRequest, "price is required")
		return
	}
	if req.FileURL == "" {
		h.writeError(w, http.StatusBadRequest, "file URL is required")
		return
	}

	skin, err := h.service.UploadSkin(r.Context(), identity.UserID, service.SkinUpload{
		Name:        req.Name,
		Description: req.Description,
		Price:       *req.Price,
		Image:       req.Image,
		Category:    req.Category,
		FileURL:     req.FileURL,
		Tags:        req.Tags,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNegativePrice):
			h.writeError(w, http.StatusBadRequest, "price must not be negative")
		case errors.Is(err, repository.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		default:
			h.logger.Error("upload skin error", zap.Error(err), zap.Int64("userID", identity.UserID))
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, response{
		Success: true,
		Data:    toSkinResponse(skin),
		Message: "skin uploaded",
	})
}

type updateSkinRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
	Image       *string  `json:"image"`
	Category    *string  `json:"category"`
	FileURL     *string  `json:"fileUrl"`
	Tags        []string `json:"tags"`
	Active      *bool    `json:"active"`
}

// UpdateSkin применяет частичное обновление скина. Разрешено только автору.
func (h *Handler) UpdateSkin(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	skinID, ok := h.skinIDFromRequest(w, r)
	if !ok {
		return
	}

	var req updateSkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	skin, err := h.service.UpdateSkin(r.Context(), identity.UserID, skinID, service.SkinUpdate{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Image:       req.Image,
		Category:    req.Category,
		FileURL:     req.FileURL,
		Tags:        req.Tags,
		Active:      req.Active,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSkinNotFound):
			h.writeError(w, http.StatusNotFound, "skin not found")
		case errors.Is(err, service.ErrNotCreator):
			h.writeError(w, http.StatusForbidden, "only the creator may update this skin")
		case errors.Is(err, service.ErrUnknownCategory):
			h.writeError(w, http.StatusBadRequest, "unknown category")
		case errors.Is(err, service.ErrNegativePrice):
			h.writeError(w, http.StatusBadRequest, "price must not be negative")
		default:
			h.logger.Error("update skin error", zap.Error(err), zap.Int64("skinID", skinID))
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, response{
		Success: true,
		Data:    toSkinResponse(skin),
		Message: "skin updated",
	})
}

// DeleteSkin удаляет скин. Разрешено только автору.
func (h *Handler) DeleteSkin(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	skinID, ok := h.skinIDFromRequest(w, r)
	if !ok {
		return
	}

	err := h.service.DeleteSkin(r.Context(), identity.UserID, skinID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSkinNotFound):
			h.writeError(w, http.StatusNotFound, "skin not found")
		case errors.Is(err, service.ErrNotCreator):
			h.writeError(w, http.StatusForbidden, "only the creator may delete this skin")
		default:
			h.logger.Error("delete skin error", zap.Error(err), zap.Int64("skinID", skinID))
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, response{Success: true, Message: "skin deleted"})
}

type purchaseResponse struct {
	Skin       skinResponse `json:"skin"`
	NewBalance float64      `json:"newBalance"`
}

// BuySkin выполняет покупку скина текущим пользователем.
func (h *Handler) BuySkin(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	skinID, ok := h.skinIDFromRequest(w, r)
	if !ok {
		return
	}

	res, err := h.service.PurchaseSkin(r.Context(), identity.UserID, skinID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSkinNotFound):
			h.writeError(w, http.StatusNotFound, "skin not found")
		case errors.Is(err, repository.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, repository.ErrOwnSkinPurchase):
			h.writeError(w, http.StatusBadRequest, "you cannot buy your own skin")
		case errors.Is(err, repository.ErrAlreadyPurchased):
			h.writeError(w, http.StatusBadRequest, "you already bought this skin")
		case errors.Is(err, repository.ErrInsufficientBalance):
			h.writeError(w, http.StatusPaymentRequired, "insufficient wallet balance")
		default:
			h.logger.Error("buy skin error", zap.Error(err),
				zap.Int64("skinID", skinID), zap.Int64("userID", identity.UserID))
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, response{
		Success: true,
		Data: purchaseResponse{
			Skin:       toSkinResponse(&res.Skin),
			NewBalance: float64(res.NewBalanceCents) / 100,
		},
		Message: "skin purchased",
	})
}

type downloadResponse struct {
	FileURL string `json:"fileUrl"`
	Name    string `json:"name"`
}

// DownloadSkin выдаёт данные для скачивания скина, если у пользователя есть право на него.
func (h *Handler) DownloadSkin(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	skinID, ok := h.skinIDFromRequest(w, r)
	if !ok {
		return
	}

	res, err := h.service.DownloadSkin(r.Context(), identity.UserID, skinID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSkinNotFound):
			h.writeError(w, http.StatusNotFound, "skin not found")
		case errors.Is(err, repository.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, service.ErrNotEntitled):
			h.writeError(w, http.StatusForbidden, "skin must be purchased before download")
		default:
			h.logger.Error("download skin error", zap.Error(err),
				zap.Int64("skinID", skinID), zap.Int64("userID", identity.UserID))
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, response{
		Success: true,
		Data: downloadResponse{
			FileURL: res.FileURL,
			Name:    res.Name,
		},
		Message: "skin ready for download",
	})
}

type libraryResponse struct {
	Uploaded   []skinResponse `json:"uploaded"`
	Purchased  []skinResponse `json:"purchased"`
	Downloaded []skinResponse `json:"downloaded"`
}

// GetMySkins возвращает наборы скинов текущего пользователя. Параметр kind
// позволяет запросить один набор: uploaded, purchased или downloaded.
func (h *Handler) GetMySkins(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	library, err := h.service.GetLibrary(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("get library error", zap.Error(err), zap.Int64("userID", identity.UserID))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	switch r.URL.Query().Get("kind") {
	case "uploaded":
		h.writeJSON(w, http.StatusOK, response{Success: true, Data: toSkinResponses(library.Uploaded)})
	case "purchased":
		h.writeJSON(w, http.StatusOK, response{Success: true, Data: toSkinResponses(library.Purchased)})
	case "downloaded":
		h.writeJSON(w, http.StatusOK, response{Success: true, Data: toSkinResponses(library.Downloaded)})
	default:
		h.writeJSON(w, http.StatusOK, response{
			Success: true,
			Data: libraryResponse{
				Uploaded:   toSkinResponses(library.Uploaded),
				Purchased:  toSkinResponses(library.Purchased),
				Downloaded: toSkinResponses(library.Downloaded),
			},
		})
	}
}

// ListComments возвращает комментарии скина. Комментарии пока не хранятся.
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, response{Success: true, Data: []any{}})
}

// CreateComment — заглушка создания комментария.
func (h *Handler) CreateComment(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotImplemented, "comments are not implemented yet")
}

func (h *Handler) skinIDFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid skin id")
		return 0, false
	}
	return id, true
}
