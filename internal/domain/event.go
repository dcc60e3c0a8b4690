package domain

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds the pipeline cares about.
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindDeletion        = 5
	KindReaction        = 7
	KindComment         = 1111
	KindHighlight       = 9802
	KindZapReceipt      = 9735
	KindLongFormArticle = 30023
	KindClientAuth      = 22242
)

// Coordinate addresses a replaceable event series: kind:pubkey:identifier.
type Coordinate struct {
	Kind       int
	PubKey     string
	Identifier string
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%s:%s", c.Kind, c.PubKey, c.Identifier)
}

// CoordinateOf returns the coordinate of an addressable event, using its
// "d" tag as identifier.
func CoordinateOf(ev *nostr.Event) Coordinate {
	return Coordinate{Kind: ev.Kind, PubKey: ev.PubKey, Identifier: DTag(ev)}
}

// DTag returns the value of the first "d" tag, or "" if absent.
func DTag(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// IsAddressable reports whether events of kind are replaced per coordinate.
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}
