// Package media holds the small value types shared between the render
// pipelines and the transport sessions.
package media

import "fmt"

// Kind identifies an elementary stream.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a configuration value into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindVideo, KindAudio:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown media kind: %q", s)
	}
}

// Sample is one encoded media unit. For the file engine this is a single
// marshalled RTP packet. The producer must not touch Data after handing the
// sample over.
type Sample struct {
	Kind Kind
	Data []byte
}
