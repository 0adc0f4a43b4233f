// Package load reads declaration sets from disk. JSON is the canonical
// format; HCL is a front-end that lowers to the same declaration model.
package load

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alluvium-io/alluvium/decl"
)

// File loads a declaration set, picking the format from the extension.
func File(path string) (decl.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return decl.Set{}, fmt.Errorf("read declarations: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return JSON(data)
	case ".hcl":
		return HCL(path, data)
	default:
		return decl.Set{}, fmt.Errorf("unsupported declaration format %q, expected .json or .hcl", ext)
	}
}

func JSON(data []byte) (decl.Set, error) {
	return decl.ParseSet(data)
}
