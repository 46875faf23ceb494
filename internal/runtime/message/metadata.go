package message

import wmmessage "github.com/ThreeDotsLabs/watermill/message"

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}
	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// MetadataFromWatermill copies Watermill metadata.
func MetadataFromWatermill(md wmmessage.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies the metadata into a Watermill map.
func (m Metadata) ToWatermill() wmmessage.Metadata {
	wm := make(wmmessage.Metadata, len(m))
	for k, v := range m {
		wm[k] = v
	}
	return wm
}
