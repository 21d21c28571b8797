package buildfile

import (
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// evalContext exposes the environment as env and the functions usable in a
// build description. dir is the directory glob patterns are relative to.
func evalContext(dir string, vars map[string]string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": envValue(vars),
		},
		Functions: map[string]function.Function{
			"glob":   globFunc(dir),
			"concat": stdlib.ConcatFunc,
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"join":   stdlib.JoinFunc,
		},
	}
}

func envValue(vars map[string]string) cty.Value {
	if len(vars) == 0 {
		return cty.MapValEmpty(cty.String)
	}
	m := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		m[k] = cty.StringVal(v)
	}
	return cty.MapVal(m)
}

// globFunc returns the sorted matches of a pattern, relative to dir. The
// results keep the form of the pattern: relative patterns give relative
// paths.
func globFunc(dir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "pattern", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.List(cty.String)),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			pattern := args[0].AsString()
			abs := pattern
			if !filepath.IsAbs(pattern) {
				abs = filepath.Join(dir, pattern)
			}
			matches, err := filepath.Glob(abs)
			if err != nil {
				return cty.NilVal, function.NewArgError(0, err)
			}
			if len(matches) == 0 {
				return cty.ListValEmpty(cty.String), nil
			}
			sort.Strings(matches)
			vals := make([]cty.Value, len(matches))
			for i, m := range matches {
				if !filepath.IsAbs(pattern) {
					if rel, err := filepath.Rel(dir, m); err == nil {
						m = rel
					}
				}
				vals[i] = cty.StringVal(m)
			}
			return cty.ListVal(vals), nil
		},
	})
}
