package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/lightspeed-rooms/types"
)

// Domain returns the part of the e-mail address after the last @, lowercased.
func Domain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}

// RecipientFilter decides which users receive digest mails. The expression is evaluated against
// an Env and has to return a bool, f.e. `Domain(User.Email) == "example.com"` or
// `User.LastActive == 0 || Since(User.LastActive) > 86400`.
type RecipientFilter struct {
	source string
	prog   *vm.Program
}

func Compile(expression string) (*RecipientFilter, error) {
	prog, err := expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("could not compile recipient filter %q: %w", expression, err)
	}
	return &RecipientFilter{source: expression, prog: prog}, nil
}

func (f *RecipientFilter) String() string {
	return f.source
}

// Match evaluates the filter. A nil filter matches every user.
func (f *RecipientFilter) Match(env Env) (bool, error) {
	if f == nil {
		return true, nil
	}
	res, err := expr.Run(f.prog, env)
	if err != nil {
		return false, err
	}
	ok, _ := res.(bool)
	return ok, nil
}

// NewEnv builds the evaluation environment for user. A zero lastActive means unknown.
func NewEnv(user *types.User, lastActive, now time.Time) Env {
	env := Env{
		User: User{
			Id:       user.ID,
			Username: user.Username,
			Email:    user.Email,
		},
		Now:    now.Unix(),
		Domain: Domain,
	}
	if !lastActive.IsZero() {
		env.User.LastActive = lastActive.Unix()
	}
	env.Since = func(ts int64) int64 {
		return env.Now - ts
	}
	return env
}
