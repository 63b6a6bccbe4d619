package geo

import (
	"fmt"
	"math"

	"github.com/layersync/backend/internal/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// GRS80 ellipsoid used by NAD83(CSRS).
const (
	grs80A = 6378137.0
	grs80F = 1 / 298.257222101
)

// Parameters shared by every MTM zone.
const (
	mtmScale         = 0.9999
	mtmFalseEasting  = 304800.0
	mtmFalseNorthing = 0.0
)

// Transform reprojects (x, y) from one SRID to another. Every SRID in
// models.SupportedSRIDs is handled.
func Transform(x, y float64, from, to int) (float64, float64, error) {
	if from == to {
		return x, y, nil
	}
	lon, lat, err := toWGS84(orb.Point{x, y}, from)
	if err != nil {
		return 0, 0, err
	}
	p, err := fromWGS84(orb.Point{lon, lat}, to)
	if err != nil {
		return 0, 0, err
	}
	return p[0], p[1], nil
}

// TransformPoint is Transform for an orb point.
func TransformPoint(p orb.Point, from, to int) (orb.Point, error) {
	x, y, err := Transform(p[0], p[1], from, to)
	return orb.Point{x, y}, err
}

func toWGS84(p orb.Point, srid int) (float64, float64, error) {
	switch {
	case srid == models.SRIDWGS84:
		return p[0], p[1], nil
	case srid == models.SRIDWebMercator:
		q := project.Point(p, project.Mercator.ToWGS84)
		return q[0], q[1], nil
	case isMTM(srid):
		lon, lat := mtmInverse(p[0], p[1], mtmCentralMeridian(srid))
		return lon, lat, nil
	}
	return 0, 0, fmt.Errorf("%w: %d", models.ErrUnsupportedSRID, srid)
}

func fromWGS84(p orb.Point, srid int) (orb.Point, error) {
	switch {
	case srid == models.SRIDWGS84:
		return p, nil
	case srid == models.SRIDWebMercator:
		return project.Point(p, project.WGS84.ToMercator), nil
	case isMTM(srid):
		x, y := mtmForward(p[0], p[1], mtmCentralMeridian(srid))
		return orb.Point{x, y}, nil
	}
	return orb.Point{}, fmt.Errorf("%w: %d", models.ErrUnsupportedSRID, srid)
}

func isMTM(srid int) bool {
	return srid >= models.SRIDMTMFirst && srid <= models.SRIDMTMLast
}

// mtmCentralMeridian returns the central meridian in degrees. EPSG 2945 is
// zone 3 at 58.5°W and each following zone is 3° further west.
func mtmCentralMeridian(srid int) float64 {
	zone := srid - models.SRIDMTMFirst + 3
	return -58.5 - 3*float64(zone-3)
}

func ellipsoid() (e2, ep2 float64) {
	e2 = grs80F * (2 - grs80F)
	ep2 = e2 / (1 - e2)
	return e2, ep2
}

func meridianArc(phi, e2 float64) float64 {
	e4 := e2 * e2
	e6 := e4 * e2
	return grs80A * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

// mtmForward is the transverse mercator projection (Snyder, USGS PP 1395).
func mtmForward(lon, lat, cm float64) (float64, float64) {
	e2, ep2 := ellipsoid()
	phi := lat * math.Pi / 180
	dl := (lon - cm) * math.Pi / 180

	sin, cos, tan := math.Sin(phi), math.Cos(phi), math.Tan(phi)
	n := grs80A / math.Sqrt(1-e2*sin*sin)
	t := tan * tan
	c := ep2 * cos * cos
	a := dl * cos
	m := meridianArc(phi, e2)

	x := mtmFalseEasting + mtmScale*n*(a+
		(1-t+c)*math.Pow(a, 3)/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120)
	y := mtmFalseNorthing + mtmScale*(m+n*tan*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
	return x, y
}

func mtmInverse(x, y, cm float64) (float64, float64) {
	e2, ep2 := ellipsoid()
	e4 := e2 * e2
	e6 := e4 * e2

	m := (y - mtmFalseNorthing) / mtmScale
	mu := m / (grs80A * (1 - e2/4 - 3*e4/64 - 5*e6/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))
	phi1 := mu +
		(3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sin, cos, tan := math.Sin(phi1), math.Cos(phi1), math.Tan(phi1)
	c1 := ep2 * cos * cos
	t1 := tan * tan
	n1 := grs80A / math.Sqrt(1-e2*sin*sin)
	r1 := grs80A * (1 - e2) / math.Pow(1-e2*sin*sin, 1.5)
	d := (x - mtmFalseEasting) / (n1 * mtmScale)

	phi := phi1 - (n1*tan/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	dl := (d - (1+2*t1+c1)*math.Pow(d, 3)/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120) / cos

	return cm + dl*180/math.Pi, phi * 180 / math.Pi
}
