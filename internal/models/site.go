package models

// Site is a fixed named point forecasts are scoped to.
type Site struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	// TimeZone is an IANA zone name; provider day bounds and hour-of-day
	// features are computed in it.
	TimeZone string `json:"timezone" yaml:"timezone"`
	// ModelID is the numeric site id the scoring model was trained with.
	ModelID int `json:"model_id" yaml:"model_id"`
}
