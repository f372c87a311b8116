package catalog

import "shelfaudit/internal/types"

// providerProduct mirrors the provider's record shape. The provider is
// inconsistent about field names across catalog versions (key vs product_gtin,
// title vs product_name, ...), so every alternative is declared here and
// resolved in normalize. The raw shape never leaves this package.
type providerProduct struct {
	Key         string `json:"key"`
	ProductGTIN string `json:"product_gtin"`
	SKU         string `json:"sku"`

	Title       string `json:"title"`
	ProductName string `json:"product_name"`

	Brand        string `json:"brand"`
	BrandName    string `json:"brand_name"`
	Manufacturer string `json:"manufacturer"`

	Size        string `json:"size"`
	PackageSize string `json:"package_size"`

	Category string `json:"category"`

	ImageURL string `json:"image_url"`
	Image    string `json:"image"`

	Retailers     []string `json:"retailers"`
	SalesChannels []string `json:"sales_channels"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// normalize maps one provider record into the canonical CandidateMatch.
// Records with no usable key are dropped: nothing downstream can persist or
// select a candidate it cannot identify.
func (p providerProduct) normalize() (types.CandidateMatch, bool) {
	key := firstNonEmpty(p.Key, p.ProductGTIN, p.SKU)
	if key == "" {
		return types.CandidateMatch{}, false
	}
	retailers := p.Retailers
	if len(retailers) == 0 {
		retailers = p.SalesChannels
	}
	return types.CandidateMatch{
		Key:          key,
		Title:        firstNonEmpty(p.Title, p.ProductName),
		Brand:        firstNonEmpty(p.Brand, p.BrandName),
		Manufacturer: p.Manufacturer,
		Size:         firstNonEmpty(p.Size, p.PackageSize),
		Category:     p.Category,
		ImageURL:     firstNonEmpty(p.ImageURL, p.Image),
		Retailers:    retailers,
	}, true
}
