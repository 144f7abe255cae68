// Package service реализует бизнес-логику маркетплейса скинов.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/skinmarket-system/internal/model"
	"github.com/mmeshcher/skinmarket-system/internal/repository"
	"github.com/mmeshcher/skinmarket-system/internal/validation"
)

// ErrInvalidCredentials возвращается при неверном пароле или идентификаторе.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotEntitled возвращается при попытке скачать скин без права на него.
	ErrNotEntitled = errors.New("skin must be purchased before download")
	// ErrNotCreator возвращается при попытке изменить или удалить чужой скин.
	ErrNotCreator = errors.New("only the creator may modify this skin")
	// ErrUnknownCategory возвращается при явном указании категории вне перечисления.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrNegativePrice возвращается при отрицательной цене скина.
	ErrNegativePrice = errors.New("price must not be negative")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, username, email string, passwordHash []byte, name, avatar string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error
	DeleteUser(ctx context.Context, id int64) error
	CreateSkin(ctx context.Context, s *model.Skin) (*model.Skin, error)
	GetSkinByID(ctx context.Context, id int64) (*model.Skin, error)
	ListSkins(ctx context.Context, filter model.ListFilter) ([]model.Skin, error)
	UpdateSkin(ctx context.Context, s *model.Skin) error
	DeleteSkin(ctx context.Context, id int64) error
	Purchase(ctx context.Context, buyerID, skinID int64) (*model.PurchaseResult, error)
	HasPurchased(ctx context.Context, userID, skinID int64) (bool, error)
	RecordDownload(ctx context.Context, userID, skinID int64) error
	GetLibrary(ctx context.Context, userID int64) (*model.Library, error)
}

// Service содержит бизнес-логику маркетплейса скинов.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя со стартовым балансом кошелька.
func (s *Service) RegisterUser(ctx context.Context, username, email, password, name, avatar string) (*model.User, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	return s.repo.CreateUser(ctx, username, email, hash, name, avatar)
}

// AuthenticateUser проверяет идентификатор (username или email) и пароль
// и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, identifier, password string) (*model.User, error) {
	u, err := s.repo.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !checkPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// GetProfile возвращает профиль пользователя.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// ProfileUpdate описывает частичное обновление профиля. Нулевые указатели
// означают, что поле не меняется. Смена пароля требует текущий пароль.
type ProfileUpdate struct {
	Username        *string
	Email           *string
	Name            *string
	Avatar          *string
	CurrentPassword string
	NewPassword     string
}

// UpdateProfile применяет частичное обновление профиля и возвращает его новое состояние.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, upd ProfileUpdate) (*model.User, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Avatar != nil {
		u.Avatar = *upd.Avatar
	}

	if upd.NewPassword != "" {
		if !checkPassword(u.PasswordHash, upd.CurrentPassword) {
			return nil, ErrInvalidCredentials
		}
		hash, err := hashPassword(upd.NewPassword)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = hash
	}

	if err := s.repo.UpdateUser(ctx, u); err != nil {
		return nil, err
	}

	return u, nil
}

// DeleteProfile удаляет аккаунт после подтверждения паролем. Скины пользователя
// и его отметки в чужих библиотеках удаляются каскадно.
func (s *Service) DeleteProfile(ctx context.Context, userID int64, password string) error {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	if !checkPassword(u.PasswordHash, password) {
		return ErrInvalidCredentials
	}

	return s.repo.DeleteUser(ctx, userID)
}

// ListSkins возвращает активные скины каталога по фильтру.
func (s *Service) ListSkins(ctx context.Context, filter model.ListFilter) ([]model.Skin, error) {
	return s.repo.ListSkins(ctx, filter)
}

// GetSkin возвращает скин по идентификатору.
func (s *Service) GetSkin(ctx context.Context, id int64) (*model.Skin, error) {
	return s.repo.GetSkinByID(ctx, id)
}

// SkinUpload описывает данные нового скина. Цена указывается в валютных единицах.
type SkinUpload struct {
	Name        string
	Description string
	Price       float64
	Image       string
	Category    string
	FileURL     string
	Tags        []string
}

// UploadSkin публикует новый скин от имени указанного автора. Неизвестная
// категория явно заменяется на other.
func (s *Service) UploadSkin(ctx context.Context, creatorID int64, upload SkinUpload) (*model.Skin, error) {
	if upload.Price < 0 {
		return nil, ErrNegativePrice
	}

	tags := upload.Tags
	if tags == nil {
		tags = []string{}
	}

	return s.repo.CreateSkin(ctx, &model.Skin{
		Name:        upload.Name,
		Description: upload.Description,
		PriceCents:  priceToCents(upload.Price),
		Image:       upload.Image,
		Category:    validation.CategoryOrDefault(upload.Category),
		CreatorID:   creatorID,
		FileURL:     upload.FileURL,
		Tags:        tags,
	})
}

// SkinUpdate описывает частичное обновление скина. Нулевые указатели означают,
// что поле не меняется.
type SkinUpdate struct {
	Name        *string
	Description *string
	Price       *float64
	Image       *string
	Category    *string
	FileURL     *string
	Tags        []string
	Active      *bool
}

// UpdateSkin применяет частичное обновление скина. Разрешено только автору.
// В отличие от загрузки, явно указанная неизвестная категория отклоняется.
func (s *Service) UpdateSkin(ctx context.Context, userID, skinID int64, upd SkinUpdate) (*model.Skin, error) {
	skin, err := s.repo.GetSkinByID(ctx, skinID)
	if err != nil {
		return nil, err
	}

	if skin.CreatorID != userID {
		return nil, ErrNotCreator
	}

	if upd.Name != nil {
		skin.Name = *upd.Name
	}
	if upd.Description != nil {
		skin.Description = *upd.Description
	}
	if upd.Price != nil {
		if *upd.Price < 0 {
			return nil, ErrNegativePrice
		}
		skin.PriceCents = priceToCents(*upd.Price)
	}
	if upd.Image != nil {
		skin.Image = *upd.Image
	}
	if upd.Category != nil {
		category, ok := validation.ParseCategory(*upd.Category)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, *upd.Category)
		}
		skin.Category = category
	}
	if upd.FileURL != nil {
		skin.FileURL = *upd.FileURL
	}
	if upd.Tags != nil {
		skin.Tags = upd.Tags
	}
	if upd.Active != nil {
		skin.Active = *upd.Active
	}

	if err := s.repo.UpdateSkin(ctx, skin); err != nil {
		return nil, err
	}

	return skin, nil
}

// DeleteSkin удаляет скин. Разрешено только автору; отметки о покупках и
// скачиваниях во всех библиотеках удаляются каскадно.
func (s *Service) DeleteSkin(ctx context.Context, userID, skinID int64) error {
	skin, err := s.repo.GetSkinByID(ctx, skinID)
	if err != nil {
		return err
	}

	if skin.CreatorID != userID {
		return ErrNotCreator
	}

	return s.repo.DeleteSkin(ctx, skinID)
}

// PurchaseSkin выполняет покупку скина покупателем.
func (s *Service) PurchaseSkin(ctx context.Context, buyerID, skinID int64) (*model.PurchaseResult, error) {
	return s.repo.Purchase(ctx, buyerID, skinID)
}

// CanDownload отвечает, разрешено ли пользователю скачивание скина:
// скин бесплатный, пользователь его автор или скин куплен.
func (s *Service) CanDownload(ctx context.Context, userID int64, skin *model.Skin) (bool, error) {
	if skin.PriceCents == 0 || skin.CreatorID == userID {
		return true, nil
	}
	return s.repo.HasPurchased(ctx, userID, skin.ID)
}

// DownloadSkin проверяет право на скачивание, отмечает первое скачивание
// и возвращает данные для загрузки файла.
func (s *Service) DownloadSkin(ctx context.Context, userID, skinID int64) (*model.DownloadResult, error) {
	skin, err := s.repo.GetSkinByID(ctx, skinID)
	if err != nil {
		return nil, err
	}

	entitled, err := s.CanDownload(ctx, userID, skin)
	if err != nil {
		return nil, err
	}
	if !entitled {
		return nil, ErrNotEntitled
	}

	if err := s.repo.RecordDownload(ctx, userID, skinID); err != nil {
		return nil, err
	}

	return &model.DownloadResult{
		FileURL: skin.FileURL,
		Name:    skin.Name,
	}, nil
}

// GetLibrary возвращает наборы скинов пользователя: загруженные, купленные и скачанные.
func (s *Service) GetLibrary(ctx context.Context, userID int64) (*model.Library, error) {
	return s.repo.GetLibrary(ctx, userID)
}

func priceToCents(price float64) int64 {
	return int64(math.Round(price * 100))
}

func hashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

func checkPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
