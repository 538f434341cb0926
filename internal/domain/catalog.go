package domain

import "strings"

// StaticService is a fixed catalog entry addressed by an exact code.
type StaticService struct {
	Code     string
	Name     string
	Price    int64
	ImageURL string
}

// PriceTier refines a namespace price when Keyword appears in the code remainder.
type PriceTier struct {
	Keyword string
	Price   int64
}

// ServiceNamespace prices codes of the form "<Prefix><remainder>".
type ServiceNamespace struct {
	Prefix       string
	Label        string
	DefaultPrice int64
	ImageURL     string
	// Tiers are tried in order; the first keyword contained in the remainder wins.
	Tiers []PriceTier
}

// PriceFor returns the tier price for remainder, or DefaultPrice.
func (n ServiceNamespace) PriceFor(remainder string) int64 {
	for _, tier := range n.Tiers {
		if tier.Keyword != "" && strings.Contains(strings.ToLower(remainder), strings.ToLower(tier.Keyword)) {
			return tier.Price
		}
	}
	return n.DefaultPrice
}

// StaticServices returns the fixed service table.
func StaticServices() []StaticService {
	return []StaticService{
		{Code: "full-horoscope-report", Name: "Full Horoscope Report", Price: 2499, ImageURL: "/images/services/full-horoscope-report.jpg"},
		{Code: "kundli-matching", Name: "Kundli Matching", Price: 1499, ImageURL: "/images/services/kundli-matching.jpg"},
		{Code: "numerology-name-correction", Name: "Numerology Name Correction", Price: 1999, ImageURL: "/images/services/numerology-name-correction.jpg"},
		{Code: "vastu-consultation", Name: "Vastu Consultation", Price: 4999, ImageURL: "/images/services/vastu-consultation.jpg"},
		{Code: "tarot-reading", Name: "Tarot Reading", Price: 999, ImageURL: "/images/services/tarot-reading.jpg"},
		{Code: "gemstone-recommendation", Name: "Gemstone Recommendation", Price: 799, ImageURL: "/images/services/gemstone-recommendation.jpg"},
	}
}

// DynamicNamespaces returns the namespace rules in match order.
func DynamicNamespaces() []ServiceNamespace {
	return []ServiceNamespace{
		{
			Prefix:       "astro-",
			Label:        "Astrology",
			DefaultPrice: 4999,
			ImageURL:     "/images/services/astrology.jpg",
			Tiers: []PriceTier{
				{Keyword: "career", Price: 8499},
				{Keyword: "marriage", Price: 7499},
				{Keyword: "health", Price: 6999},
				{Keyword: "birth-chart", Price: 5999},
			},
		},
		{
			Prefix:       "num-",
			Label:        "Numerology",
			DefaultPrice: 2999,
			ImageURL:     "/images/services/numerology.jpg",
			Tiers: []PriceTier{
				{Keyword: "business", Price: 5499},
				{Keyword: "name", Price: 3999},
				{Keyword: "lucky", Price: 1999},
			},
		},
		{
			Prefix:       "vastu-",
			Label:        "Vastu",
			DefaultPrice: 6999,
			ImageURL:     "/images/services/vastu.jpg",
			Tiers: []PriceTier{
				{Keyword: "commercial", Price: 12999},
				{Keyword: "office", Price: 12999},
				{Keyword: "home", Price: 8999},
			},
		},
	}
}
