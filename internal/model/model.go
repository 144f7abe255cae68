// Package model содержит доменные сущности маркетплейса скинов.
package model

import "time"

// User представляет зарегистрированного пользователя маркетплейса.
// WalletCents — баланс кошелька в копейках.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash []byte
	Name         string
	Avatar       string
	WalletCents  int64
	CreatedAt    time.Time
}

// Category описывает категорию скина из закрытого перечисления.
type Category string

const (
	CategoryCharacter Category = "character"
	CategoryWeapon    Category = "weapon"
	CategoryVehicle   Category = "vehicle"
	CategoryItem      Category = "item"
	CategoryOther     Category = "other"
)

// CategoryAll — сентинельное значение фильтра, отключающее фильтр по категории.
const CategoryAll = "all"

// Creator содержит публичные данные автора скина, отдаваемые в выборках.
// Хеш учётных данных сюда не попадает никогда.
type Creator struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

// Skin описывает скин каталога. PriceCents — цена в копейках, 0 означает
// бесплатный скин. Downloads и Purchases — монотонно неубывающие счётчики.
type Skin struct {
	ID          int64
	Name        string
	Description string
	PriceCents  int64
	Image       string
	Category    Category
	CreatorID   int64
	Creator     *Creator
	FileURL     string
	Tags        []string
	Downloads   int64
	Purchases   int64
	Active      bool
	CreatedAt   time.Time
}

// SortKey задаёт порядок сортировки листинга.
type SortKey string

const (
	SortPriceAsc       SortKey = "priceAsc"
	SortPriceDesc      SortKey = "priceDesc"
	SortMostDownloaded SortKey = "mostDownloaded"
	SortMostPurchased  SortKey = "mostPurchased"
	SortNewest         SortKey = "newest"
)

// ListFilter описывает параметры листинга каталога. Нулевые значения
// отключают соответствующий фильтр; границы цены — включительные, в копейках.
type ListFilter struct {
	Category      string
	PriceMinCents *int64
	PriceMaxCents *int64
	Search        string
	Sort          SortKey
}

// PurchaseResult — итог успешной покупки: купленный скин с обновлённым
// счётчиком и новый баланс покупателя.
type PurchaseResult struct {
	Skin            Skin
	NewBalanceCents int64
}

// DownloadResult содержит данные для скачивания скина.
type DownloadResult struct {
	FileURL string
	Name    string
}

// Library — три набора скинов пользователя: загруженные им, купленные
// и хотя бы раз скачанные.
type Library struct {
	Uploaded   []Skin
	Purchased  []Skin
	Downloaded []Skin
}
