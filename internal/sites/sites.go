// Package sites holds the beaches the service forecasts for.
package sites

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// ErrUnknownSite is returned by Lookup for ids not in the registry.
var ErrUnknownSite = errors.New("unknown site")

// DefaultTimeZone is used for sites configured without one.
const DefaultTimeZone = "America/Los_Angeles"

// Defaults are the sites served when none are configured.
var Defaults = []models.Site{
	{ID: "1", Name: "San Onofre", Latitude: 33.381440, Longitude: -117.588430, TimeZone: DefaultTimeZone, ModelID: 1},
	{ID: "2", Name: "La Jolla Shores", Latitude: 32.863000, Longitude: -117.257000, TimeZone: DefaultTimeZone, ModelID: 2},
}

// Registry is an immutable site lookup.
type Registry struct {
	sites     map[string]models.Site
	locations map[string]*time.Location
	ids       []string
}

// NewRegistry validates sites and loads their time zones.
func NewRegistry(list []models.Site) (*Registry, error) {
	if len(list) == 0 {
		return nil, errors.New("no sites configured")
	}
	r := &Registry{
		sites:     make(map[string]models.Site, len(list)),
		locations: make(map[string]*time.Location, len(list)),
	}
	for _, s := range list {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, errors.New("site with empty id")
		}
		if _, dup := r.sites[s.ID]; dup {
			return nil, fmt.Errorf("duplicate site id %q", s.ID)
		}
		if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
			return nil, fmt.Errorf("site %s: coordinates out of range", s.ID)
		}
		if s.TimeZone == "" {
			s.TimeZone = DefaultTimeZone
		}
		loc, err := time.LoadLocation(s.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", s.ID, err)
		}
		r.sites[s.ID] = s
		r.locations[s.ID] = loc
		r.ids = append(r.ids, s.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Default returns a registry of Defaults.
func Default() *Registry {
	r, err := NewRegistry(Defaults)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the site with id.
func (r *Registry) Lookup(id string) (models.Site, error) {
	s, ok := r.sites[strings.TrimSpace(id)]
	if !ok {
		return models.Site{}, fmt.Errorf("%w: %q", ErrUnknownSite, id)
	}
	return s, nil
}

// Location returns the loaded time zone of a known site, or UTC.
func (r *Registry) Location(id string) *time.Location {
	if loc, ok := r.locations[strings.TrimSpace(id)]; ok {
		return loc
	}
	return time.UTC
}

// IDs returns the site ids in sorted order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}
