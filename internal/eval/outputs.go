package eval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/alluvium-io/alluvium/internal/convert"
	"github.com/alluvium-io/alluvium/internal/expr"
)

// OutputValues evaluates the declared outputs over the final graph. An
// output whose source node was excluded is omitted from the map entirely
// rather than set to null.
func (rg *ResolvedGraph) OutputValues(ctx context.Context, outputs OutputSource) (map[string]any, error) {
	scope := &expr.Scope{
		Env:       rg.Env,
		Resources: &Reader{Graph: rg, Outputs: outputs},
	}

	names := make([]string, 0, len(rg.Ordered.Outputs))
	for name := range rg.Ordered.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := map[string]any{}
	for _, name := range names {
		v, err := rg.Ordered.Outputs[name].Eval(ctx, scope)
		if errors.Is(err, expr.ErrExcluded) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}

		plain, err := convert.ToGo(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		out[name] = plain
	}

	return out, nil
}
