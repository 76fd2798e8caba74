// Package idgen produces opaque session identifiers.
package idgen

import "fmt"

const (
	FormatUUID  = "uuid"
	FormatKSUID = "ksuid"
)

// Generator defines the interface for ID generation and validation.
type Generator interface {
	Generate() (string, error)
	Validate(id string) (bool, string) // (valid, reason)
}

// New returns the generator for format. An empty format selects UUID.
func New(format string) (Generator, error) {
	switch format {
	case "", FormatUUID:
		return NewUUIDGenerator(), nil
	case FormatKSUID:
		return NewKSUIDGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown id format: %q", format)
	}
}
