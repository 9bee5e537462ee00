package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrResultNotFound is returned when a result cannot be found in the database
	ErrResultNotFound = errors.New("result not found")

	// ErrNoCatalogData is returned when the vendor page yields no usable
	// order data for the parameter builder
	ErrNoCatalogData = errors.New("no catalog data in vendor response")
)
