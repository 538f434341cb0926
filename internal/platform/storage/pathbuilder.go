package storage

import (
	"fmt"
	"path"
	"strings"
)

// DeliverableKind selects the folder a digital deliverable lives in.
type DeliverableKind string

const (
	// KindProduct covers downloads attached to a catalog product document.
	KindProduct DeliverableKind = "products"
	// KindService covers generated reports for static and dynamic service codes.
	KindService DeliverableKind = "services"
)

// DeliverablePath composes "<prefix>/<kind>/<id>/<file>" for a deliverable. The id is a catalog
// product id or a service code and must be a single path segment.
func DeliverablePath(prefix string, kind DeliverableKind, id, fileName string) (string, error) {
	switch kind {
	case KindProduct, KindService:
	default:
		return "", fmt.Errorf("storage: unsupported deliverable kind %q", kind)
	}
	segment, err := validateSegment("id", id)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(fileName) == "" {
		fileName = "deliverable.pdf"
	}
	file, err := validateSegment("fileName", fileName)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return path.Join(string(kind), segment, file), nil
	}
	return path.Join(prefix, string(kind), segment, file), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
