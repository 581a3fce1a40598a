package envelope

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidIdentity is returned when a credential does not match the plugin
// identity grammar or one of its numbers is out of range.
var ErrInvalidIdentity = errors.New("invalid plugin identity")

// identityPrefix starts every plugin credential.
const identityPrefix = "plugin-"

// Version is a plugin's major.minor version.
type Version struct {
	Major uint8
	Minor uint8
}

// PluginIdentity identifies one running plugin process within a node.
type PluginIdentity struct {
	ID       uint16
	Version  Version
	Instance uint8
}

// IdentityFormat configures how plugin credentials are read. Deployments
// disagree on the base of the plugin id and on whether the minor version
// is mandatory, so both are explicit.
type IdentityFormat struct {
	// IDBase is the numeric base of the plugin id: 10 or 16.
	IDBase int

	// MinorRequired rejects credentials of the form plugin-<id>-<major>-<instance>.
	// When false, a missing minor version parses as 0.
	MinorRequired bool
}

// DefaultIdentityFormat reads decimal ids and requires major.minor versions.
func DefaultIdentityFormat() IdentityFormat {
	return IdentityFormat{IDBase: 10, MinorRequired: true}
}

// Validate checks the format configuration.
func (f IdentityFormat) Validate() error {
	if f.IDBase != 10 && f.IDBase != 16 {
		return fmt.Errorf("identity id base must be 10 or 16, got %d", f.IDBase)
	}
	return nil
}

// Parse reads a credential of the form plugin-<id>-<major>.<minor>-<instance>.
// Every failure wraps ErrInvalidIdentity.
func (f IdentityFormat) Parse(credential string) (PluginIdentity, error) {
	if err := f.Validate(); err != nil {
		return PluginIdentity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	rest, ok := strings.CutPrefix(credential, identityPrefix)
	if !ok {
		return PluginIdentity{}, fmt.Errorf("%w: %q does not start with %q", ErrInvalidIdentity, credential, identityPrefix)
	}

	parts := strings.Split(rest, "-")
	if len(parts) != 3 {
		return PluginIdentity{}, fmt.Errorf("%w: %q must have id, version and instance groups", ErrInvalidIdentity, credential)
	}

	id, err := parseUint(parts[0], f.IDBase, 16)
	if err != nil {
		return PluginIdentity{}, fmt.Errorf("%w: plugin id %q: %v", ErrInvalidIdentity, parts[0], err)
	}

	version, err := f.parseVersion(parts[1])
	if err != nil {
		return PluginIdentity{}, fmt.Errorf("%w: version %q: %v", ErrInvalidIdentity, parts[1], err)
	}

	instance, err := parseUint(parts[2], 10, 8)
	if err != nil {
		return PluginIdentity{}, fmt.Errorf("%w: instance %q: %v", ErrInvalidIdentity, parts[2], err)
	}

	return PluginIdentity{
		ID:       uint16(id),
		Version:  version,
		Instance: uint8(instance),
	}, nil
}

// Format renders id as a credential readable by Parse with the same format.
func (f IdentityFormat) Format(id PluginIdentity) string {
	base := f.IDBase
	if base != 16 {
		base = 10
	}
	return fmt.Sprintf("%s%s-%d.%d-%d", identityPrefix,
		strconv.FormatUint(uint64(id.ID), base), id.Version.Major, id.Version.Minor, id.Instance)
}

func (f IdentityFormat) parseVersion(s string) (Version, error) {
	fields := strings.Split(s, ".")
	switch {
	case len(fields) == 1 && f.MinorRequired:
		return Version{}, errors.New("minor version required")
	case len(fields) > 2:
		return Version{}, errors.New("expected major.minor")
	}

	major, err := parseUint(fields[0], 10, 8)
	if err != nil {
		return Version{}, err
	}
	var minor uint64
	if len(fields) == 2 {
		minor, err = parseUint(fields[1], 10, 8)
		if err != nil {
			return Version{}, err
		}
	}
	return Version{Major: uint8(major), Minor: uint8(minor)}, nil
}

// parseUint accepts digits only; no sign, prefix or whitespace.
func parseUint(s string, base, bits int) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty")
	}
	for _, r := range s {
		if r == '+' || r == '-' || r == '_' || r == ' ' {
			return 0, fmt.Errorf("unexpected %q", r)
		}
	}
	v, err := strconv.ParseUint(s, base, bits)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			return 0, numErr.Err
		}
		return 0, err
	}
	return v, nil
}

// String renders the identity in the default decimal credential form.
func (id PluginIdentity) String() string {
	return DefaultIdentityFormat().Format(id)
}
