package signal

import (
	"fmt"
	"strings"

	"greencandle-go/internal/config"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// rule is one compiled buy_ruleN or sell_ruleN predicate.
type rule struct {
	name    string
	index   int // 1-based
	source  string
	program *vm.Program
}

// ruleEnv is the variable namespace rules are evaluated against.
type ruleEnv map[string]interface{}

// templateEnv declares every name a rule may reference so unknown names fail at compile time.
func templateEnv() ruleEnv {
	return ruleEnv{
		"current":        map[string]interface{}{},
		"previous":       map[string]interface{}{},
		"previous1":      map[string]interface{}{},
		"previous2":      map[string]interface{}{},
		"previous3":      map[string]interface{}{},
		"open":           0.0,
		"high":           0.0,
		"low":            0.0,
		"close":          0.0,
		"trades":         0.0,
		"last_open":      0.0,
		"last_high":      0.0,
		"last_low":       0.0,
		"last_close":     0.0,
		"last_trades":    0.0,
		"rate":           0.0,
		"perc_rate":      0.0,
		"last_rate":      0.0,
		"last_perc_rate": 0.0,
		"current_price":  0.0,
		"buy_price":      nil,
	}
}

// compileRules compiles prefix1..prefix9, stopping at the first missing index.
func compileRules(prefix string, lookup func(int) (string, bool)) ([]rule, error) {
	var rules []rule
	env := templateEnv()
	for n := 1; n <= config.MaxRules; n++ {
		src, ok := lookup(n)
		if !ok {
			break
		}
		program, err := expr.Compile(strings.TrimSpace(src), expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid %s%d %q: %w", prefix, n, src, err)
		}
		rules = append(rules, rule{
			name:    fmt.Sprintf("%s%d", prefix, n),
			index:   n,
			source:  src,
			program: program,
		})
	}
	return rules, nil
}

// eval runs a rule. Runtime failures, such as comparing a missing indicator, are returned
// so the caller can count the rule as not matched.
func (r rule) eval(env ruleEnv) (bool, error) {
	out, err := expr.Run(r.program, map[string]interface{}(env))
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T, not bool", r.name, out)
	}
	return matched, nil
}

// indicatorName turns the "func;NAME;period,..." form into the stored field name NAME_period.
// Plain names are returned unchanged.
func indicatorName(spec string) string {
	parts := strings.Split(strings.TrimSpace(spec), ";")
	if len(parts) < 3 {
		return strings.TrimSpace(spec)
	}
	period := strings.Split(parts[2], ",")[0]
	return parts[1] + "_" + period
}
