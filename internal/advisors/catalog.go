// Package advisors holds the advisor catalogue and the client for the hosted model that answers prompts.
package advisors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Profile describes one advisor persona and what an interaction with it costs.
type Profile struct {
	Slug             string
	Name             string
	Instructions     string
	CreditCost       int64
	FreeInteractions int
}

// Catalog resolves advisor profiles by slug.
type Catalog struct {
	profiles map[string]Profile
}

// NewCatalog validates and indexes profiles.
func NewCatalog(profiles ...Profile) (*Catalog, error) {
	index := make(map[string]Profile, len(profiles))
	for _, profile := range profiles {
		slug := normaliseSlug(profile.Slug)
		if slug == "" {
			return nil, errors.New("advisors: profile slug is required")
		}
		if profile.CreditCost < 0 || profile.FreeInteractions < 0 {
			return nil, fmt.Errorf("advisors: %s has a negative cost or allowance", slug)
		}
		if _, dup := index[slug]; dup {
			return nil, fmt.Errorf("advisors: profile %q registered twice", slug)
		}
		profile.Slug = slug
		index[slug] = profile
	}
	return &Catalog{profiles: index}, nil
}

// DefaultProfiles returns the stock advisors with the given pricing applied to each.
func DefaultProfiles(creditCost int64, freeInteractions int) []Profile {
	stock := []Profile{
		{Slug: "cannabinoid-advisor", Name: "Cannabinoid Advisor", Instructions: "You explain cannabinoids, terpenes and product formats. You do not diagnose or prescribe."},
		{Slug: "gardening-advisor", Name: "Organic Gardening Advisor", Instructions: "You give practical advice on growing herbs and plants organically."},
		{Slug: "homeopathy-advisor", Name: "Homeopathy Advisor", Instructions: "You describe homeopathic remedies and their traditional uses. You recommend seeing a clinician for medical concerns."},
		{Slug: "mushroom-advisor", Name: "Mushroom Advisor", Instructions: "You describe functional mushrooms and their preparation. You never help identify wild mushrooms for eating."},
		{Slug: "traditional-medicine-advisor", Name: "Traditional Medicine Advisor", Instructions: "You describe African traditional medicine plants and their customary uses."},
	}
	for i := range stock {
		stock[i].CreditCost = creditCost
		stock[i].FreeInteractions = freeInteractions
	}
	return stock
}

// Lookup returns the profile registered under slug.
func (c *Catalog) Lookup(slug string) (Profile, bool) {
	profile, ok := c.profiles[normaliseSlug(slug)]
	return profile, ok
}

// Slugs lists registered advisors in sorted order.
func (c *Catalog) Slugs() []string {
	slugs := make([]string, 0, len(c.profiles))
	for slug := range c.profiles {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func normaliseSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
