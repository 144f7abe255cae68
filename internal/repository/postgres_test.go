package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/mmeshcher/skinmarket-system/internal/model"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"dragon", "dragon"},
		{"100%", `100\%`},
		{"a_b", `a\_b`},
		{`c:\skins`, `c:\\skins`},
		{"%_%", `\%\_\%`},
	}

	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Интеграционные тесты ниже требуют работающего PostgreSQL и пропускаются,
// если переменная TEST_DATABASE_URI не задана.
func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
	})

	if _, err := r.pool.Exec(context.Background(),
		`TRUNCATE downloads, purchases, skins, users RESTART IDENTITY CASCADE`,
	); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return r
}

func createTestUser(t *testing.T, r *PostgresRepository, username string) *model.User {
	t.Helper()

	u, err := r.CreateUser(context.Background(), username, username+"@example.com", []byte("hash"), "", "")
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func createTestSkin(t *testing.T, r *PostgresRepository, creatorID, priceCents int64, name string) *model.Skin {
	t.Helper()

	s, err := r.CreateSkin(context.Background(), &model.Skin{
		Name:       name,
		PriceCents: priceCents,
		Category:   model.CategoryWeapon,
		CreatorID:  creatorID,
		FileURL:    "https://cdn.example.com/" + name + ".zip",
	})
	if err != nil {
		t.Fatalf("create skin %s: %v", name, err)
	}
	return s
}

func walletOf(t *testing.T, r *PostgresRepository, userID int64) int64 {
	t.Helper()

	u, err := r.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user %d: %v", userID, err)
	}
	return u.WalletCents
}

func TestPurchase_TransfersFunds(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	creator := createTestUser(t, r, "creator")
	buyer := createTestUser(t, r, "buyer")
	skin := createTestSkin(t, r, creator.ID, 3000, "dragon")

	res, err := r.Purchase(ctx, buyer.ID, skin.ID)
	if err != nil {
		t.Fatalf("purchase error: %v", err)
	}

	if res.NewBalanceCents != 7000 {
		t.Errorf("new balance = %d, want 7000", res.NewBalanceCents)
	}
	if got := walletOf(t, r, buyer.ID); got != 7000 {
		t.Errorf("buyer wallet = %d, want 7000", got)
	}
	if got := walletOf(t, r, creator.ID); got != 13000 {
		t.Errorf("creator wallet = %d, want 13000", got)
	}

	// Перевод не создаёт и не уничтожает средства.
	if total := walletOf(t, r, buyer.ID) + walletOf(t, r, creator.ID); total != 20000 {
		t.Errorf("wallet total = %d, want 20000", total)
	}

	bought, err := r.GetSkinByID(ctx, skin.ID)
	if err != nil {
		t.Fatalf("get skin: %v", err)
	}
	if bought.Purchases != 1 {
		t.Errorf("purchase count = %d, want 1", bought.Purchases)
	}

	has, err := r.HasPurchased(ctx, buyer.ID, skin.ID)
	if err != nil {
		t.Fatalf("has purchased: %v", err)
	}
	if !has {
		t.Error("purchase record is missing")
	}
}

func TestPurchase_Repeat(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	creator := createTestUser(t, r, "creator")
	buyer := createTestUser(t, r, "buyer")
	skin := createTestSkin(t, r, creator.ID, 3000, "dragon")

	if _, err := r.Purchase(ctx, buyer.ID, skin.ID); err != nil {
		t.Fatalf("first purchase error: %v", err)
	}

	_, err := r.Purchase(ctx, buyer.ID, skin.ID)
	if !errors.Is(err, ErrAlreadyPurchased) {
		t.Fatalf("repeat purchase error = %v, want ErrAlreadyPurchased", err)
	}

	if got := walletOf(t, r, buyer.ID); got != 7000 {
		t.Errorf("buyer wallet = %d, want 7000", got)
	}
	if got := walletOf(t, r, creator.ID); got != 13000 {
		t.Errorf("creator wallet = %d, want 13000", got)
	}
}

func TestPurchase_RepeatBeatsInsufficientFunds(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	creator := createTestUser(t, r, "creator")
	buyer := createTestUser(t, r, "buyer")
	skin := createTestSkin(t, r, creator.ID, 3000, "dragon")

	if _, err := r.Purchase(ctx, buyer.ID, skin.ID); err != nil {
		t.Fatalf("first purchase error: %v", err)
	}

	// Опустошаем кошелёк: повторная покупка должна сообщать о повторе,
	// а не о нехватке средств.
	if _, err := r.pool.Exec(ctx, `UPDATE users SET wallet = 0 WHERE id = $1`, buyer.ID); err != nil {
		t.Fatalf("drain wallet: %v", err)
	}

	_, err := r.Purchase(ctx, buyer.ID, skin.ID)
	if !errors.Is(err, ErrAlreadyPurchased) {
		t.Fatalf("repeat purchase error = %v, want ErrAlreadyPurchased", err)
	}
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	creator := createTestUser(t, r, "creator")
	buyer := createTestUser(t, r, "buyer")
	skin := createTestSkin(t, r, creator.ID, 20000, "expensive")

	_, err := r.Purchase(ctx, buyer.ID, skin.ID)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("purchase error = %v, want ErrInsufficientBalance", err)
	}

	if got := walletOf(t, r, buyer.ID); got != 10000 {
		t.Errorf("buyer wallet = %d, want 10000", got)
	}
	if got := walletOf(t, r, creator.ID); got != 10000 {
		t.Errorf("creator wallet = %d, want 10000", got)
	}

	has, err := r.HasPurchased(ctx, buyer.ID, skin.ID)
	if err != nil {
		t.Fatalf("has purchased: %v", err)
	}
	if has {
		t.Error("failed purchase left a purchase record")
	}
}

func TestPurchase_OwnSkin(t *testing.T) {
	r := newTestRepository(t)

	creator := createTestUser(t, r, "creator")
	skin := createTestSkin(t, r, creator.ID, 3000, "dragon")

	_, err := r.Purchase(context.Background(), creator.ID, skin.ID)
	if !errors.Is(err, ErrOwnSkinPurchase) {
		t.Fatalf("purchase error = %v, want ErrOwnSkinPurchase", err)
	}

	if got := walletOf(t, r, creator.ID); got != 10000 {
		t.Errorf("creator wallet = %d, want 10000", got)
	}
}

func TestPurchase_Concurrent(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	creator := createTestUser(t, r, "creator")
	buyer := createTestUser(t, r, "buyer")
	skin := createTestSkin(t, r, creator.ID, 3000, "dragon")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Purchase(ctx, buyer.ID, skin.ID)
		}(i)
	}
	wg.Wait()

	var ok, repeated int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyPurchased):
			repeated++
		default:
			t.Fatalf("unexpected purchase error: %v", err)
		}
	}
	if ok != 1 || repeated != 1 {
		t.Fatalf("got %d successes and %d repeats, want 1 and 1", ok, repeated)
	}

	// Списание произошло ровно один раз.
	if got := walletOf(t, r, buyer.ID); got != 7000 {
		t.Errorf("buyer wallet = %d, want 7000", got)
	}
	if got := walletOf(t, r, creator.ID); got != 13000 {
		t.Errorf("creator wallet = %d, want 13000", got)
	}
}

func TestRecordDownload_Idempotent(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	creator := createTestUser(t, r, "creator")
	user := createTestUser(t, r, "collector")
	skin := createTestSkin(t, r, creator.ID, 0, "freebie")

	for i := 0; i < 2; i++ {
		if err := r.RecordDownload(ctx, user.ID, skin.ID); err != nil {
			t.Fatalf("record download #%d: %v", i+1, err)
		}
	}

	got, err := r.GetSkinByID(ctx, skin.ID)
	if err != nil {
		t.Fatalf("get skin: %v", err)
	}
	if got.Downloads != 1 {
		t.Errorf("download count = %d, want 1", got.Downloads)
	}
}

func TestRecordDownload_DeletedUser(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	creator := createTestUser(t, r, "creator")
	user := createTestUser(t, r, "ghost")
	skin := createTestSkin(t, r, creator.ID, 0, "freebie")

	if err := r.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	err := r.RecordDownload(ctx, user.ID, skin.ID)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("record download error = %v, want ErrUserNotFound", err)
	}
}

func TestListSkins_SearchLiteralWildcards(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	creator := createTestUser(t, r, "creator")
	createTestSkin(t, r, creator.ID, 100, "100% cotton")
	createTestSkin(t, r, creator.ID, 100, "plain camo")

	skins, err := r.ListSkins(ctx, model.ListFilter{Search: "%"})
	if err != nil {
		t.Fatalf("list skins: %v", err)
	}

	if len(skins) != 1 || skins[0].Name != "100% cotton" {
		t.Fatalf("search for literal %% matched %d skins, want 1", len(skins))
	}
}
