package simplefile

import (
	"fmt"
	"strings"
)

const mountSeparator = "://"

// MountURI joins a mount name and a backend-relative key into a file URI.
func MountURI(mount, key string) string {
	return mount + mountSeparator + strings.TrimLeft(key, "/")
}

// MountOf returns the mount name of uri.
func MountOf(uri string) (string, error) {
	idx := strings.Index(uri, mountSeparator)
	if idx <= 0 {
		return "", fmt.Errorf("%w: %q has no mount prefix", ErrInvalidURI, uri)
	}
	return uri[:idx], nil
}

// StripMountPrefix returns the backend-relative key of uri. A URI without a
// mount prefix is returned unchanged.
func StripMountPrefix(uri string) string {
	idx := strings.Index(uri, mountSeparator)
	if idx <= 0 {
		return uri
	}
	return uri[idx+len(mountSeparator):]
}

// Mounts maps mount names to the blob stores serving them.
type Mounts map[string]BlobStore

// Resolve returns the mount name, blob store and key addressed by uri.
func (m Mounts) Resolve(uri string) (string, BlobStore, string, error) {
	mount, err := MountOf(uri)
	if err != nil {
		return "", nil, "", err
	}
	store, ok := m[mount]
	if !ok {
		return mount, nil, "", fmt.Errorf("%w: %s", ErrBackendNotFound, mount)
	}
	return mount, store, StripMountPrefix(uri), nil
}
