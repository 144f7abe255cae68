// Package validation содержит функции валидации входных данных.
package validation

import (
	"math"
	"strconv"

	"github.com/mmeshcher/skinmarket-system/internal/model"
)

var categories = map[model.Category]struct{}{
	model.CategoryCharacter: {},
	model.CategoryWeapon:    {},
	model.CategoryVehicle:   {},
	model.CategoryItem:      {},
	model.CategoryOther:     {},
}

// ParseCategory проверяет значение категории точным сравнением
// с закрытым перечислением, без нормализации регистра и числа.
func ParseCategory(s string) (model.Category, bool) {
	c := model.Category(s)
	_, ok := categories[c]
	return c, ok
}

// CategoryOrDefault возвращает категорию для корректного значения
// и CategoryOther для пустого или неизвестного.
func CategoryOrDefault(s string) model.Category {
	if c, ok := ParseCategory(s); ok {
		return c
	}
	return model.CategoryOther
}

// ParseSortKey проверяет ключ сортировки листинга; для неизвестного значения
// возвращает сортировку по новизне.
func ParseSortKey(s string) model.SortKey {
	switch k := model.SortKey(s); k {
	case model.SortPriceAsc, model.SortPriceDesc, model.SortMostDownloaded, model.SortMostPurchased, model.SortNewest:
		return k
	default:
		return model.SortNewest
	}
}

// PriceBoundCents разбирает границу цены фильтра, выраженную в валютных
// единицах, и переводит её в копейки. Пустая или нечисловая граница
// игнорируется: возвращается nil.
func PriceBoundCents(s string) *int64 {
	if s == "" {
		return nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}

	cents := int64(math.Round(v * 100))
	return &cents
}
