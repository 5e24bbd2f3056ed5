package producer

import "errors"

// ErrEmptySequence is returned by Sequence when given no items.
var ErrEmptySequence = errors.New("producer: empty sequence")

// Sequence links items into a playlist: each item's following source is the
// next item, and every item prints as part of name. The first item is
// returned; loading it on a layer plays the whole list through the layer's
// EOF auto-chaining.
func Sequence(name string, items ...Chainable) (Source, error) {
	if len(items) == 0 {
		return nil, ErrEmptySequence
	}
	for i, it := range items {
		if c, ok := it.(Contextual); ok && name != "" {
			c.SetPrintContext(name)
		}
		if i+1 < len(items) {
			it.SetFollowing(items[i+1])
		}
	}
	return items[0], nil
}
