package service

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/skinmarket-system/internal/model"
	"github.com/mmeshcher/skinmarket-system/internal/repository"
)

type stubRepo struct {
	createdUser    *model.User
	createUserHash []byte
	createUserErr  error

	getUser    *model.User
	getUserErr error

	createdSkin   *model.Skin
	createSkinErr error

	getSkin    *model.Skin
	getSkinErr error

	updatedSkin *model.Skin

	listResp   []model.Skin
	listFilter model.ListFilter

	purchaseResp *model.PurchaseResult
	purchaseErr  error

	hasPurchased    bool
	hasPurchasedErr error

	downloadRecorded bool

	library    *model.Library
	libraryErr error

	deletedUserID int64
	deletedSkinID int64
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, username, email string, passwordHash []byte, name, avatar string) (*model.User, error) {
	s.createUserHash = passwordHash
	return s.createdUser, s.createUserErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) GetUserByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) UpdateUser(ctx context.Context, u *model.User) error {
	return nil
}

func (s *stubRepo) DeleteUser(ctx context.Context, id int64) error {
	s.deletedUserID = id
	return nil
}

func (s *stubRepo) CreateSkin(ctx context.Context, skin *model.Skin) (*model.Skin, error) {
	s.createdSkin = skin
	if s.createSkinErr != nil {
		return nil, s.createSkinErr
	}
	return skin, nil
}

func (s *stubRepo) GetSkinByID(ctx context.Context, id int64) (*model.Skin, error) {
	return s.getSkin, s.getSkinErr
}

func (s *stubRepo) ListSkins(ctx context.Context, filter model.ListFilter) ([]model.Skin, error) {
	s.listFilter = filter
	return s.listResp, nil
}

func (s *stubRepo) UpdateSkin(ctx context.Context, skin *model.Skin) error {
	s.updatedSkin = skin
	return nil
}

func (s *stubRepo) DeleteSkin(ctx context.Context, id int64) error {
	s.deletedSkinID = id
	return nil
}

func (s *stubRepo) Purchase(ctx context.Context, buyerID, skinID int64) (*model.PurchaseResult, error) {
	return s.purchaseResp, s.purchaseErr
}

func (s *stubRepo) HasPurchased(ctx context.Context, userID, skinID int64) (bool, error) {
	return s.hasPurchased, s.hasPurchasedErr
}

func (s *stubRepo) RecordDownload(ctx context.Context, userID, skinID int64) error {
	s.downloadRecorded = true
	return nil
}

func (s *stubRepo) GetLibrary(ctx context.Context, userID int64) (*model.Library, error) {
	return s.library, s.libraryErr
}

func mustHash(t *testing.T, password string) []byte {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return hash
}

func TestRegisterUser_HashesPassword(t *testing.T) {
	repo := &stubRepo{
		createdUser: &model.User{ID: 1, Username: "alice"},
	}
	svc := NewService(repo)

	_, err := svc.RegisterUser(context.Background(), "alice", "a@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}

	if string(repo.createUserHash) == "secret" {
		t.Fatalf("password stored in plain text")
	}
	if bcrypt.CompareHashAndPassword(repo.createUserHash, []byte("secret")) != nil {
		t.Fatalf("stored hash does not match original password")
	}
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createUserErr: repository.ErrUserExists,
	}
	svc := NewService(repo)

	_, err := svc.RegisterUser(context.Background(), "alice", "a@example.com", "secret", "", "")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_WrongPassword(t *testing.T) {
	repo := &stubRepo{
		getUser: &model.User{
			ID:           1,
			Username:     "alice",
			PasswordHash: mustHash(t, "correct"),
		},
	}
	svc := NewService(repo)

	_, err := svc.AuthenticateUser(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateUser_UnknownIdentifier(t *testing.T) {
	repo := &stubRepo{
		getUserErr: repository.ErrUserNotFound,
	}
	svc := NewService(repo)

	_, err := svc.AuthenticateUser(context.Background(), "nobody", "secret")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestUploadSkin_ConvertsPriceAndDefaultsCategory(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	_, err := svc.UploadSkin(context.Background(), 7, SkinUpload{
		Name:     "Dragon Blade",
		Price:    19.99,
		Category: "Weapons",
		FileURL:  "https://cdn.example.com/dragon.zip",
	})
	if err != nil {
		t.Fatalf("UploadSkin error: %v", err)
	}

	if repo.createdSkin.PriceCents != 1999 {
		t.Fatalf("PriceCents = %d, want 1999", repo.createdSkin.PriceCents)
	}
	if repo.createdSkin.Category != model.CategoryOther {
		t.Fatalf("unknown category must default to other, got %q", repo.createdSkin.Category)
	}
	if repo.createdSkin.CreatorID != 7 {
		t.Fatalf("CreatorID = %d, want 7", repo.createdSkin.CreatorID)
	}
}

func TestUploadSkin_NegativePrice(t *testing.T) {
	svc := NewService(&stubRepo{})

	_, err := svc.UploadSkin(context.Background(), 1, SkinUpload{
		Name:    "skin",
		Price:   -1,
		FileURL: "https://cdn.example.com/s.zip",
	})
	if !errors.Is(err, ErrNegativePrice) {
		t.Fatalf("expected ErrNegativePrice, got %v", err)
	}
}

func TestUpdateSkin_OnlyCreator(t *testing.T) {
	repo := &stubRepo{
		getSkin: &model.Skin{ID: 3, CreatorID: 7, Active: true},
	}
	svc := NewService(repo)

	_, err := svc.UpdateSkin(context.Background(), 8, 3, SkinUpdate{})
	if !errors.Is(err, ErrNotCreator) {
		t.Fatalf("expected ErrNotCreator, got %v", err)
	}
	if repo.updatedSkin != nil {
		t.Fatalf("skin must not be updated by another user")
	}
}

func TestUpdateSkin_RejectsUnknownCategory(t *testing.T) {
	repo := &stubRepo{
		getSkin: &model.Skin{ID: 3, CreatorID: 7, Category: model.CategoryWeapon, Active: true},
	}
	svc := NewService(repo)

	category := "Weapons"
	_, err := svc.UpdateSkin(context.Background(), 7, 3, SkinUpdate{Category: &category})
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestDeleteSkin_OnlyCreator(t *testing.T) {
	repo := &stubRepo{
		getSkin: &model.Skin{ID: 3, CreatorID: 7},
	}
	svc := NewService(repo)

	if err := svc.DeleteSkin(context.Background(), 8, 3); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("expected ErrNotCreator, got %v", err)
	}
	if repo.deletedSkinID != 0 {
		t.Fatalf("skin must not be deleted by another user")
	}

	if err := svc.DeleteSkin(context.Background(), 7, 3); err != nil {
		t.Fatalf("DeleteSkin by creator error: %v", err)
	}
	if repo.deletedSkinID != 3 {
		t.Fatalf("deleted skin id = %d, want 3", repo.deletedSkinID)
	}
}

func TestCanDownload(t *testing.T) {
	tests := []struct {
		name         string
		skin         model.Skin
		userID       int64
		hasPurchased bool
		want         bool
	}{
		{
			name:   "free skin for anyone",
			skin:   model.Skin{ID: 1, PriceCents: 0, CreatorID: 2},
			userID: 99,
			want:   true,
		},
		{
			name:   "creator of a paid skin",
			skin:   model.Skin{ID: 1, PriceCents: 500, CreatorID: 2},
			userID: 2,
			want:   true,
		},
		{
			name:         "paid skin after purchase",
			skin:         model.Skin{ID: 1, PriceCents: 500, CreatorID: 2},
			userID:       99,
			hasPurchased: true,
			want:         true,
		},
		{
			name:   "paid skin without purchase",
			skin:   model.Skin{ID: 1, PriceCents: 500, CreatorID: 2},
			userID: 99,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{hasPurchased: tt.hasPurchased}
			svc := NewService(repo)

			got, err := svc.CanDownload(context.Background(), tt.userID, &tt.skin)
			if err != nil {
				t.Fatalf("CanDownload error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("CanDownload = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDownloadSkin_Forbidden(t *testing.T) {
	repo := &stubRepo{
		getSkin: &model.Skin{ID: 1, PriceCents: 500, CreatorID: 2, FileURL: "https://cdn.example.com/s.zip"},
	}
	svc := NewService(repo)

	_, err := svc.DownloadSkin(context.Background(), 99, 1)
	if !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("expected ErrNotEntitled, got %v", err)
	}
	if repo.downloadRecorded {
		t.Fatalf("forbidden download must not be recorded")
	}
}

func TestDownloadSkin_ReturnsFileReference(t *testing.T) {
	repo := &stubRepo{
		getSkin: &model.Skin{
			ID:         1,
			Name:       "Dragon Blade",
			PriceCents: 0,
			CreatorID:  2,
			FileURL:    "https://cdn.example.com/dragon.zip",
		},
	}
	svc := NewService(repo)

	res, err := svc.DownloadSkin(context.Background(), 99, 1)
	if err != nil {
		t.Fatalf("DownloadSkin error: %v", err)
	}
	if res.FileURL != "https://cdn.example.com/dragon.zip" || res.Name != "Dragon Blade" {
		t.Fatalf("unexpected download result: %+v", res)
	}
	if !repo.downloadRecorded {
		t.Fatalf("download was not recorded")
	}
}

func TestPurchaseSkin_PropagatesSentinels(t *testing.T) {
	for _, sentinel := range []error{
		repository.ErrSkinNotFound,
		repository.ErrOwnSkinPurchase,
		repository.ErrAlreadyPurchased,
		repository.ErrInsufficientBalance,
	} {
		repo := &stubRepo{purchaseErr: sentinel}
		svc := NewService(repo)

		_, err := svc.PurchaseSkin(context.Background(), 1, 2)
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected %v, got %v", sentinel, err)
		}
	}
}

func TestUpdateProfile_WrongCurrentPassword(t *testing.T) {
	repo := &stubRepo{
		getUser: &model.User{ID: 1, PasswordHash: mustHash(t, "correct")},
	}
	svc := NewService(repo)

	_, err := svc.UpdateProfile(context.Background(), 1, ProfileUpdate{
		CurrentPassword: "wrong",
		NewPassword:     "next",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestDeleteProfile_RequiresPassword(t *testing.T) {
	repo := &stubRepo{
		getUser: &model.User{ID: 5, PasswordHash: mustHash(t, "correct")},
	}
	svc := NewService(repo)

	if err := svc.DeleteProfile(context.Background(), 5, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if repo.deletedUserID != 0 {
		t.Fatalf("user must not be deleted with a wrong password")
	}

	if err := svc.DeleteProfile(context.Background(), 5, "correct"); err != nil {
		t.Fatalf("DeleteProfile error: %v", err)
	}
	if repo.deletedUserID != 5 {
		t.Fatalf("deleted user id = %d, want 5", repo.deletedUserID)
	}
}
