package models

import "slices"

// Well-known spatial reference identifiers.
const (
	SRIDWGS84       = 4326
	SRIDWebMercator = 3857
)

// MTM zones 3 to 10 of NAD83(CSRS) are EPSG 2945 to 2952.
const (
	SRIDMTMFirst = 2945
	SRIDMTMLast  = 2952
)

// SupportedSRIDs is the allow-list accepted for remote layers.
var SupportedSRIDs = func() []int {
	srids := []int{SRIDWGS84, SRIDWebMercator}
	for s := SRIDMTMFirst; s <= SRIDMTMLast; s++ {
		srids = append(srids, s)
	}
	return srids
}()

// IsSupportedSRID reports whether srid is in the allow-list.
func IsSupportedSRID(srid int) bool {
	return slices.Contains(SupportedSRIDs, srid)
}
