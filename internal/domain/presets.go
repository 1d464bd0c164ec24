package domain

import (
	"fmt"
	"sort"
)

// ── Presets ────────────────────────────────────────────────
// Declared schemas for the NYC TLC datasets the loader was written for.

type preset struct {
	order    []string
	types    map[string]string
	temporal []string
}

var presets = map[string]preset{
	"yellow_taxi": {
		order: []string{
			"VendorID", "tpep_pickup_datetime", "tpep_dropoff_datetime", "passenger_count",
			"trip_distance", "RatecodeID", "store_and_fwd_flag", "PULocationID", "DOLocationID",
			"payment_type", "fare_amount", "extra", "mta_tax", "tip_amount", "tolls_amount",
			"improvement_surcharge", "total_amount", "congestion_surcharge",
		},
		types: map[string]string{
			"VendorID":              "Int64",
			"passenger_count":       "Int64",
			"trip_distance":         "float64",
			"RatecodeID":            "Int64",
			"store_and_fwd_flag":    "string",
			"PULocationID":          "Int64",
			"DOLocationID":          "Int64",
			"payment_type":          "Int64",
			"fare_amount":           "float64",
			"extra":                 "float64",
			"mta_tax":               "float64",
			"tip_amount":            "float64",
			"tolls_amount":          "float64",
			"improvement_surcharge": "float64",
			"total_amount":          "float64",
			"congestion_surcharge":  "float64",
		},
		temporal: []string{"tpep_pickup_datetime", "tpep_dropoff_datetime"},
	},
	"green_taxi": {
		order: []string{
			"VendorID", "lpep_pickup_datetime", "lpep_dropoff_datetime", "store_and_fwd_flag",
			"RatecodeID", "PULocationID", "DOLocationID", "passenger_count", "trip_distance",
			"fare_amount", "extra", "mta_tax", "tip_amount", "tolls_amount", "ehail_fee",
			"improvement_surcharge", "total_amount", "payment_type", "trip_type",
			"congestion_surcharge",
		},
		types: map[string]string{
			"VendorID":              "Int64",
			"store_and_fwd_flag":    "string",
			"RatecodeID":            "Int64",
			"PULocationID":          "Int64",
			"DOLocationID":          "Int64",
			"passenger_count":       "Int64",
			"trip_distance":         "float64",
			"fare_amount":           "float64",
			"extra":                 "float64",
			"mta_tax":               "float64",
			"tip_amount":            "float64",
			"tolls_amount":          "float64",
			"ehail_fee":             "float64",
			"improvement_surcharge": "float64",
			"total_amount":          "float64",
			"payment_type":          "Int64",
			"trip_type":             "Int64",
			"congestion_surcharge":  "float64",
		},
		temporal: []string{"lpep_pickup_datetime", "lpep_dropoff_datetime"},
	},
	"taxi_zone_lookup": {
		order: []string{"LocationID", "Borough", "Zone", "service_zone"},
		types: map[string]string{
			"LocationID":   "Int64",
			"Borough":      "string",
			"Zone":         "string",
			"service_zone": "string",
		},
	},
}

// Preset returns the named built-in schema.
func Preset(name string, opts ...SchemaOption) (*SchemaSpec, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema preset %q (have %v)", name, PresetNames())
	}
	return SchemaFromMap(p.types, p.temporal, p.order, opts...)
}

// PresetNames lists the built-in schemas alphabetically.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
