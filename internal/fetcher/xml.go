package fetcher

import (
	"context"
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// newXMLDecoder returns a decoder that understands any charset named in the
// document's XML declaration.
func newXMLDecoder(r io.Reader) *xml.Decoder {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	return decoder
}

// StreamXML decodes XML elements matching the given local name, at any depth,
// and sends them to a channel. The type parameter T must be a struct with
// appropriate xml tags. Both channels are closed when processing completes.
func StreamXML[T any](ctx context.Context, r io.Reader, elementName string) (<-chan T, <-chan error) {
	return streamXML[T](ctx, r, elementName, false)
}

// StreamRootChildren is StreamXML restricted to direct children of the
// document element. Matching elements nested deeper are skipped.
func StreamRootChildren[T any](ctx context.Context, r io.Reader, elementName string) (<-chan T, <-chan error) {
	return streamXML[T](ctx, r, elementName, true)
}

func streamXML[T any](ctx context.Context, r io.Reader, elementName string, rootChildrenOnly bool) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := newXMLDecoder(r)
		depth := 0

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}

			tok, err := decoder.Token()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "xml: read token")
				return
			}

			switch t := tok.(type) {
			case xml.EndElement:
				depth--
			case xml.StartElement:
				depth++
				// The document element is depth 1, its children depth 2.
				if t.Name.Local != elementName || (rootChildrenOnly && depth != 2) {
					continue
				}

				var item T
				if err := decoder.DecodeElement(&item, &t); err != nil {
					errCh <- eris.Wrap(err, "xml: decode element")
					return
				}
				depth--

				select {
				case outCh <- item:
				case <-ctx.Done():
					errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
					return
				}
			}
		}
	}()

	return outCh, errCh
}

// DecodeAll decodes every element with the given local name into memory. The
// whole document must be well formed: on any error nothing is returned.
func DecodeAll[T any](ctx context.Context, r io.Reader, elementName string) ([]T, error) {
	itemCh, errCh := StreamXML[T](ctx, r, elementName)
	return collect(itemCh, errCh)
}

// DecodeRootChildren is DecodeAll limited to direct children of the
// document element.
func DecodeRootChildren[T any](ctx context.Context, r io.Reader, elementName string) ([]T, error) {
	itemCh, errCh := StreamRootChildren[T](ctx, r, elementName)
	return collect(itemCh, errCh)
}

func collect[T any](itemCh <-chan T, errCh <-chan error) ([]T, error) {
	var items []T
	for item := range itemCh {
		items = append(items, item)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return items, nil
}
