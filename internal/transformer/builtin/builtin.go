// Package builtin contains the transformers shipped with rowpipe. Importing
// it registers "normalize", "coerce" and "rename".
package builtin

import "rowpipe/internal/transformer"

func init() {
	transformer.Register("normalize", newNormalize)
	transformer.Register("coerce", newCoerce)
	transformer.Register("rename", newRename)
}
