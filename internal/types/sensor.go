package types

// Category is the kind of environment a sensor samples
type Category string

const (
	CategoryAir   Category = "air"
	CategoryWater Category = "water"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	return c == CategoryAir || c == CategoryWater
}

// Location is where a sensor is installed
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Address   string  `json:"address" yaml:"address"`
}

// SensorDescriptor identifies one sensor. Descriptors never change after startup.
type SensorDescriptor struct {
	ID       string   `json:"id" yaml:"id"`
	Category Category `json:"category" yaml:"category"`
	Location Location `json:"location" yaml:"location"`
}
