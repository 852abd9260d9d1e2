package version

import (
	goversion "github.com/hashicorp/go-version"
)

// EmptyValue is the value we use when running a version that wasn't compiled
// by `make`. This is helpful for telling when we're running in a unit test.
const EmptyValue = "set-by-make"

// Version is the latest tag on git for releases. On non-release commits, it may
// include additional information such as the most recent commit hash.
var Version = EmptyValue

// ProtocolVersion is the version of the session protocol spoken by this
// client. It's sent in the PROTOCOL_VERSION message.
const ProtocolVersion = "1.2"

// SupportedProtocols is the range of client protocol versions that the
// reference server accepts.
const SupportedProtocols = ">= 1.0, < 2.0"

// Compatible returns whether the protocol version `v` satisfies the version
// constraints.
func Compatible(v, constraints string) (bool, error) {
	parsed, err := goversion.NewVersion(v)
	if err != nil {
		return false, err
	}

	c, err := goversion.NewConstraint(constraints)
	if err != nil {
		return false, err
	}
	return c.Check(parsed), nil
}
