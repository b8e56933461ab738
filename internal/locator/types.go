// Package locator is a typed client for the emergency services API and the
// third-party geocoding and routing providers the map page talks to.
package locator

// Service categories understood by the API.
const (
	TypeHospital = "hospital"
	TypePolice   = "police"
	TypeFire     = "fire"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance from the query point. M is meters, KM is kilometers rounded to two
// decimals.
type Distance struct {
	M  float64 `json:"m"`
	KM float64 `json:"km"`
}

type Service struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	ServiceType string    `json:"service_type"`
	Address     string    `json:"address"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Capacity    *int      `json:"capacity,omitempty"`
	Is24Hours   bool      `json:"is_24_hours"`
	Description string    `json:"description,omitempty"`
	Distance    *Distance `json:"distance,omitempty"`
}

func (s Service) Location() LatLng { return LatLng{Lat: s.Latitude, Lng: s.Longitude} }

type NearestResult struct {
	UserLocation LatLng    `json:"user_location"`
	Count        int       `json:"count"`
	Services     []Service `json:"services"`
}

type RadiusResult struct {
	UserLocation LatLng    `json:"user_location"`
	RadiusKM     float64   `json:"radius_km"`
	Count        int       `json:"count"`
	Services     []Service `json:"services"`
}

type Statistics struct {
	TotalServices int `json:"total_services"`
	ByType        struct {
		Hospitals      int `json:"hospitals"`
		PoliceStations int `json:"police_stations"`
		FireStations   int `json:"fire_stations"`
	} `json:"by_type"`
	Available24Hours int `json:"available_24_hours"`
}

// GeocodeResult is the backend's own geocoding answer.
type GeocodeResult struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FormattedAddress string  `json:"formatted_address"`
}
