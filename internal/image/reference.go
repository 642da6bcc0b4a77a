package image

import (
	"errors"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// ErrUnpinnedBase reports a base reference without a fixed version: either no
// tag at all or the floating `latest` tag. Reproducible builds need a pin.
var ErrUnpinnedBase = errors.New("base image reference is not pinned to a version")

// RequirePinned accepts digest references and explicit non-latest tags.
func RequirePinned(refStr string) error {
	if _, err := name.NewDigest(refStr); err == nil {
		return nil
	}

	tag, err := name.NewTag(refStr)
	if err != nil {
		return fmt.Errorf("parse reference %q: %w", refStr, err)
	}
	// name fills in `latest` when the reference carries no tag, so both the
	// implicit and the explicit form are rejected here.
	if tag.TagStr() == "latest" {
		return fmt.Errorf("%w: %s", ErrUnpinnedBase, refStr)
	}
	return nil
}
