package provider

import (
	"strings"

	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
)

// ParseModelString splits a "provider:model" string. The provider part
// selects the adapter; the model part is passed to it verbatim.
func ParseModelString(s string) (providerName, model string, err error) {
	i := strings.Index(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", "", cmuxerrors.InvalidModelString(s)
	}
	return s[:i], s[i+1:], nil
}
