// Package brewery models the Brewers Association member feed: one XML
// marker element per brewery, converted into a typed Record.
package brewery

import (
	"encoding/xml"
	"strconv"

	"github.com/rotisserie/eris"
)

// Sentinel errors returned by FromMarker.
var (
	ErrMissingAttribute  = eris.New("brewery: missing attribute")
	ErrInvalidCoordinate = eris.New("brewery: invalid coordinate")
)

// Text field lengths of the destination schema.
const (
	DefaultFieldLength = 100
	URLFieldLength     = 500
)

// Field names, in schema order.
const (
	FieldID         = "id"
	FieldCompany    = "company"
	FieldAddress    = "address"
	FieldCity       = "city"
	FieldState      = "state"
	FieldZip        = "zip"
	FieldCountry    = "country"
	FieldPhone      = "phone"
	FieldMemberType = "member_type"
	FieldType       = "type"
	FieldURL        = "url"
)

// FieldNames lists the text attributes every marker must carry, in the order
// they appear in the destination schema and in Record.Values.
var FieldNames = []string{
	FieldID,
	FieldCompany,
	FieldAddress,
	FieldCity,
	FieldState,
	FieldZip,
	FieldCountry,
	FieldPhone,
	FieldMemberType,
	FieldType,
	FieldURL,
}

// FieldLength returns the maximum text length stored for a field.
func FieldLength(name string) int {
	if name == FieldURL {
		return URLFieldLength
	}
	return DefaultFieldLength
}

// Marker is one <marker> element of the feed with its attributes kept raw.
type Marker struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
}

// Attr returns the value of the named attribute and whether it is present.
func (m Marker) Attr(name string) (string, bool) {
	for _, a := range m.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Record is one brewery from the feed. Lng and Lat are WGS84 degrees.
type Record struct {
	ID         string
	Company    string
	Address    string
	City       string
	State      string
	Zip        string
	Country    string
	Phone      string
	MemberType string
	Type       string
	URL        string
	Lng        float64
	Lat        float64
}

// Values returns the text attributes in FieldNames order.
func (r Record) Values() []string {
	return []string{
		r.ID,
		r.Company,
		r.Address,
		r.City,
		r.State,
		r.Zip,
		r.Country,
		r.Phone,
		r.MemberType,
		r.Type,
		r.URL,
	}
}

// FromMarker converts a marker into a Record. Every name in FieldNames plus
// lng and lat must be present; empty values are kept as is.
func FromMarker(m Marker) (Record, error) {
	vals := make([]string, len(FieldNames))
	for i, name := range FieldNames {
		v, ok := m.Attr(name)
		if !ok {
			return Record{}, eris.Wrapf(ErrMissingAttribute, "attribute %q", name)
		}
		vals[i] = v
	}

	lng, err := coordinate(m, "lng")
	if err != nil {
		return Record{}, err
	}
	lat, err := coordinate(m, "lat")
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:         vals[0],
		Company:    vals[1],
		Address:    vals[2],
		City:       vals[3],
		State:      vals[4],
		Zip:        vals[5],
		Country:    vals[6],
		Phone:      vals[7],
		MemberType: vals[8],
		Type:       vals[9],
		URL:        vals[10],
		Lng:        lng,
		Lat:        lat,
	}, nil
}

func coordinate(m Marker, name string) (float64, error) {
	raw, ok := m.Attr(name)
	if !ok {
		return 0, eris.Wrapf(ErrMissingAttribute, "attribute %q", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, eris.Wrapf(ErrInvalidCoordinate, "%s %q", name, raw)
	}
	return v, nil
}
