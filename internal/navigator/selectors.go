package navigator

import (
	"fmt"
	"strings"
)

// Selectors for online.metro-cc.ru, kept in one place so layout changes
// touch a single file.
var (
	AgeGateButton      = XPath(`//button[span[contains(text(), 'Да, мне есть 18')]]`)
	AddressButton      = CSS("button.header-address__receive-button")
	PickupOption       = XPath(`//div[contains(text(), 'Самовывоз')]`)
	ChangeRegionButton = XPath(`//span[contains(text(), 'Изменить')]`)
	RegionModal        = CSS(".modal-city__center")
	ApplyRegionButton  = XPath(`//button[contains(@class, 'delivery__btn-apply') and .//span[text()='Выбрать']]`)
	LoadMoreButton     = CSS("button.simple-button.reset-button.subcategory-or-type__load-more")
	BrandLink          = CSS(".product-attributes__list-item a.product-attributes__list-item-link")
)

// CityLookup is one way of finding a city entry in the region modal.
type CityLookup struct {
	Name     string
	Selector func(city string) Selector
}

// DefaultCityLookups tries the plain entry first, then the already-active
// entry, which the site renders under a different class.
func DefaultCityLookups() []CityLookup {
	return []CityLookup{
		{
			Name: "city-item",
			Selector: func(city string) Selector {
				return XPath(fmt.Sprintf(`//div[@class='city-item' and contains(text(), %s)]`, xpathLiteral(city)))
			},
		},
		{
			Name: "city-item-active",
			Selector: func(city string) Selector {
				return XPath(fmt.Sprintf(`//div[@class='city-item city-item_active' and contains(text(), %s)]`, xpathLiteral(city)))
			},
		},
	}
}

// xpathLiteral quotes s for use inside an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}

	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, part := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if part != "" {
			quoted = append(quoted, "'"+part+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
