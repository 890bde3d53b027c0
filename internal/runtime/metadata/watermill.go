package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies watermill metadata, leaving out the drop keys.
func FromWatermill(md message.Metadata, drop ...string) Metadata {
	out := make(Metadata, len(md))
	maps.Copy(out, md)
	for _, key := range drop {
		delete(out, key)
	}
	return out
}

// ToWatermill copies m into a watermill map the caller may extend.
func ToWatermill(m Metadata) message.Metadata {
	out := make(message.Metadata, len(m)+4)
	maps.Copy(out, m)
	return out
}
