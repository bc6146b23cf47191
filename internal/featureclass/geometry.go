package featureclass

import (
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// GeoPackage binary header: "GP", version 0, flags, int32 srs_id.
const (
	gpkgHeaderSize = 8
	gpkgVersion    = 0
	// gpkgFlagLittleEndian marks the header srs_id and envelope as NDR.
	gpkgFlagLittleEndian = 0x01
)

// newPoint builds an XY point with the given SRID.
func newPoint(x, y float64, srid int) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{x, y}).SetSRID(srid)
}

// encodeGPKG encodes a point as a GeoPackage geometry blob without an
// envelope, the layout GDAL writes for points.
func encodeGPKG(p *geom.Point) ([]byte, error) {
	body, err := wkb.Marshal(p, wkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "featureclass: encode WKB")
	}

	buf := make([]byte, gpkgHeaderSize, gpkgHeaderSize+len(body))
	buf[0] = 'G'
	buf[1] = 'P'
	buf[2] = gpkgVersion
	buf[3] = gpkgFlagLittleEndian
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(p.SRID())))

	return append(buf, body...), nil
}

// decodeGPKG decodes a GeoPackage geometry blob holding a point.
func decodeGPKG(b []byte) (*geom.Point, error) {
	if len(b) < gpkgHeaderSize || b[0] != 'G' || b[1] != 'P' {
		return nil, eris.New("featureclass: not a GeoPackage geometry")
	}

	flags := b[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&gpkgFlagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	srid := int(int32(order.Uint32(b[4:8])))

	var envelope int
	switch (flags >> 1) & 0x07 {
	case 0:
	case 1:
		envelope = 32
	case 2, 3:
		envelope = 48
	case 4:
		envelope = 64
	default:
		return nil, eris.Errorf("featureclass: invalid envelope indicator in flags %#x", flags)
	}

	start := gpkgHeaderSize + envelope
	if len(b) < start {
		return nil, eris.New("featureclass: truncated GeoPackage geometry")
	}

	g, err := wkb.Unmarshal(b[start:])
	if err != nil {
		return nil, eris.Wrap(err, "featureclass: decode WKB")
	}
	return asPoint(g, srid)
}

// encodeEWKB encodes a point as EWKB carrying its SRID, for PostGIS.
func encodeEWKB(p *geom.Point) ([]byte, error) {
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "featureclass: encode EWKB")
	}
	return data, nil
}

// decodeEWKB decodes an EWKB point as returned by ST_AsEWKB.
func decodeEWKB(b []byte) (*geom.Point, error) {
	g, err := ewkb.Unmarshal(b)
	if err != nil {
		return nil, eris.Wrap(err, "featureclass: decode EWKB")
	}
	return asPoint(g, g.SRID())
}

func asPoint(g geom.T, srid int) (*geom.Point, error) {
	p, ok := g.(*geom.Point)
	if !ok {
		return nil, eris.Errorf("featureclass: expected point geometry, got %T", g)
	}
	if len(p.FlatCoords()) < 2 || math.IsNaN(p.X()) {
		return nil, eris.New("featureclass: empty point geometry")
	}
	return p.SetSRID(srid), nil
}
