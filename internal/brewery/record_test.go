package brewery

import (
	"encoding/xml"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marker(attrs map[string]string) Marker {
	m := Marker{XMLName: xml.Name{Local: MarkerElement}}
	for k, v := range attrs {
		m.Attrs = append(m.Attrs, xml.Attr{Name: xml.Name{Local: k}, Value: v})
	}
	return m
}

func acmeAttrs() map[string]string {
	return map[string]string{
		"id":          "1",
		"company":     "Acme",
		"address":     "1 Main St",
		"city":        "Denver",
		"state":       "CO",
		"zip":         "80202",
		"country":     "United States",
		"phone":       "303-555-0100",
		"member_type": "Brewery",
		"type":        "Brewpub",
		"url":         "http://acme.example.com",
		"lng":         "-104.99",
		"lat":         "39.74",
	}
}

func TestFromMarker(t *testing.T) {
	rec, err := FromMarker(marker(acmeAttrs()))
	require.NoError(t, err)

	assert.Equal(t, "1", rec.ID)
	assert.Equal(t, "Acme", rec.Company)
	assert.Equal(t, "Brewery", rec.MemberType)
	assert.Equal(t, "http://acme.example.com", rec.URL)
	assert.Equal(t, -104.99, rec.Lng)
	assert.Equal(t, 39.74, rec.Lat)
}

func TestFromMarker_ValuesOrder(t *testing.T) {
	attrs := acmeAttrs()
	rec, err := FromMarker(marker(attrs))
	require.NoError(t, err)

	vals := rec.Values()
	require.Len(t, vals, len(FieldNames))
	for i, name := range FieldNames {
		assert.Equal(t, attrs[name], vals[i], name)
	}
}

func TestFromMarker_EmptyValuesKept(t *testing.T) {
	attrs := acmeAttrs()
	attrs["phone"] = ""
	attrs["url"] = ""

	rec, err := FromMarker(marker(attrs))
	require.NoError(t, err)
	assert.Empty(t, rec.Phone)
	assert.Empty(t, rec.URL)
}

func TestFromMarker_MissingAttribute(t *testing.T) {
	for _, name := range append(append([]string{}, FieldNames...), "lng", "lat") {
		t.Run(name, func(t *testing.T) {
			attrs := acmeAttrs()
			delete(attrs, name)

			_, err := FromMarker(marker(attrs))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingAttribute))
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestFromMarker_InvalidCoordinate(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value string
	}{
		{"non numeric lng", "lng", "west"},
		{"empty lat", "lat", ""},
		{"comma decimal", "lat", "39,74"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := acmeAttrs()
			attrs[tt.field] = tt.value

			_, err := FromMarker(marker(attrs))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCoordinate))
		})
	}
}

func TestFieldLength(t *testing.T) {
	assert.Equal(t, 500, FieldLength(FieldURL))
	assert.Equal(t, 100, FieldLength(FieldCompany))
	assert.Equal(t, 100, FieldLength(FieldMemberType))
}

func TestMarkerAttr(t *testing.T) {
	m := marker(map[string]string{"id": "42"})

	v, ok := m.Attr("id")
	assert.True(t, ok)
	assert.Equal(t, "42", v)

	_, ok = m.Attr("company")
	assert.False(t, ok)
}
